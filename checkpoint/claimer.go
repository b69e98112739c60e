package checkpoint

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/errors"
)

var ErrClaimContended = stderrors.New("checkpoint: claim lock not acquired")

type ClaimerOption func(*claimerOptions)

type claimerOptions struct {
	keyPrefix  string
	expiry     time.Duration
	retryDelay time.Duration
	tries      int
	logger     *zap.Logger
}

func defaultClaimerOptions() *claimerOptions {
	return &claimerOptions{
		keyPrefix:  defaultKeyPrefix + "claim:",
		expiry:     8 * time.Second,
		retryDelay: 50 * time.Millisecond,
		tries:      32,
		logger:     zap.NewNop(),
	}
}

func WithClaimKeyPrefix(prefix string) ClaimerOption {
	return func(o *claimerOptions) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithClaimLock tunes the partition lock held during a claim.
func WithClaimLock(expiry, retryDelay time.Duration, tries int) ClaimerOption {
	return func(o *claimerOptions) {
		o.expiry = expiry
		o.retryDelay = retryDelay
		o.tries = tries
	}
}

func WithClaimLogger(lg *zap.Logger) ClaimerOption {
	return func(o *claimerOptions) {
		if lg != nil {
			o.logger = lg
		}
	}
}

// Claimer adds etag-checked ownership changes on top of a Store. Claims on
// the same partition are serialized across processes with a redis lock.
type Claimer struct {
	store Store
	rs    *redsync.Redsync
	opts  *claimerOptions
}

func NewClaimer(store Store, client redis.UniversalClient, opts ...ClaimerOption) *Claimer {
	o := defaultClaimerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Claimer{
		store: store,
		rs:    redsync.New(goredis.NewPool(client)),
		opts:  o,
	}
}

// Claim writes o if the stored ownership still carries o.ETag. A nil ETag
// claims a partition that has no ownership record yet. On a stale etag it
// returns ErrEtagMismatch and leaves the record untouched.
func (c *Claimer) Claim(ctx context.Context, o Ownership) (Ownership, error) {
	if err := o.validate(); err != nil {
		return Ownership{}, err
	}
	var out Ownership
	err := c.locked(ctx, o.Namespace, o.EventHub, o.ConsumerGroup, o.PartitionID, func(current *Ownership) error {
		if !etagMatches(current, o.ETag) {
			c.opts.logger.Debug("ownership claim rejected",
				zap.String("partition_id", o.PartitionID), zap.Stringp("owner_id", o.OwnerID))
			return ErrEtagMismatch
		}
		var err error
		out, err = c.store.UpdateOwnership(ctx, o)
		return err
	})
	return out, err
}

// Release clears the owner of a partition held by ownerID.
func (c *Claimer) Release(ctx context.Context, namespace, eventHub, consumerGroup, partitionID, ownerID string) (Ownership, error) {
	if err := validateKey(namespace, eventHub, consumerGroup, partitionID); err != nil {
		return Ownership{}, err
	}
	if ownerID == "" {
		return Ownership{}, errors.Validation("owner id is required")
	}
	var out Ownership
	err := c.locked(ctx, namespace, eventHub, consumerGroup, partitionID, func(current *Ownership) error {
		if current == nil || current.OwnerID == nil || *current.OwnerID != ownerID {
			return ErrNotOwned
		}
		released := current.clone()
		released.OwnerID = nil
		var err error
		out, err = c.store.UpdateOwnership(ctx, released)
		return err
	})
	return out, err
}

func (c *Claimer) locked(ctx context.Context, namespace, eventHub, consumerGroup, partitionID string, fn func(current *Ownership) error) error {
	key := c.opts.keyPrefix + url.PathEscape(namespace) + "/" + url.PathEscape(eventHub) + "/" +
		url.PathEscape(consumerGroup) + "/" + url.PathEscape(partitionID)
	mutex := c.rs.NewMutex(key,
		redsync.WithExpiry(c.opts.expiry),
		redsync.WithRetryDelay(c.opts.retryDelay),
		redsync.WithTries(c.opts.tries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Cancelled(ctxErr)
		}
		var errTaken *redsync.ErrTaken
		if stderrors.As(err, &errTaken) || stderrors.Is(err, redsync.ErrFailed) {
			return ErrClaimContended
		}
		return fmt.Errorf("%w: %v", ErrClaimContended, err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			c.opts.logger.Warn("failed to unlock partition claim", zap.String("key", key), zap.Error(err))
		}
	}()

	owners, err := c.store.ListOwnership(ctx, namespace, eventHub, consumerGroup)
	if err != nil {
		return err
	}
	current, found := lo.Find(owners, func(o Ownership) bool { return o.PartitionID == partitionID })
	if !found {
		return fn(nil)
	}
	return fn(&current)
}

func etagMatches(current *Ownership, etag *string) bool {
	if current == nil || current.ETag == nil {
		return etag == nil
	}
	return etag != nil && *etag == *current.ETag
}
