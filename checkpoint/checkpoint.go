// Package checkpoint records which consumer owns each partition and how far
// it has read. Records are grouped by (namespace, event hub, consumer group)
// and keyed by partition id within a group.
package checkpoint

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/util"
)

var (
	ErrEtagMismatch = stderrors.New("checkpoint: etag does not match stored ownership")
	ErrNotOwned     = stderrors.New("checkpoint: partition is not owned by caller")
)

// Ownership is a lease-like claim on a partition. A nil OwnerID means the
// partition is unowned.
type Ownership struct {
	Namespace        string    `json:"namespace"`
	EventHub         string    `json:"event_hub"`
	ConsumerGroup    string    `json:"consumer_group"`
	PartitionID      string    `json:"partition_id"`
	OwnerID          *string   `json:"owner_id,omitempty"`
	LastModifiedTime time.Time `json:"last_modified_time"`
	ETag             *string   `json:"etag,omitempty"`
}

func (o Ownership) Owned() bool {
	return o.OwnerID != nil && *o.OwnerID != ""
}

// Checkpoint is the last processed position in a partition.
type Checkpoint struct {
	Namespace      string  `json:"namespace"`
	EventHub       string  `json:"event_hub"`
	ConsumerGroup  string  `json:"consumer_group"`
	PartitionID    string  `json:"partition_id"`
	Offset         *string `json:"offset,omitempty"`
	SequenceNumber *int64  `json:"sequence_number,omitempty"`
}

// Store persists ownership and checkpoints. Updates replace the whole record
// for a partition. List calls only return records of the given group and
// return an empty slice for a group that was never written.
//
// Stores do not compare etags on UpdateOwnership: the last writer wins. Use
// a Claimer for etag-checked claims.
type Store interface {
	UpdateOwnership(ctx context.Context, o Ownership) (Ownership, error)
	ListOwnership(ctx context.Context, namespace, eventHub, consumerGroup string) ([]Ownership, error)
	UpdateCheckpoint(ctx context.Context, c Checkpoint) error
	ListCheckpoints(ctx context.Context, namespace, eventHub, consumerGroup string) ([]Checkpoint, error)
}

type scope struct {
	namespace     string
	eventHub      string
	consumerGroup string
}

func validateKey(namespace, eventHub, consumerGroup, partitionID string) error {
	switch {
	case namespace == "":
		return errors.Validation("namespace is required")
	case eventHub == "":
		return errors.Validation("event hub is required")
	case consumerGroup == "":
		return errors.Validation("consumer group is required")
	case partitionID == "":
		return errors.Validation("partition id is required")
	}
	return nil
}

func (o Ownership) validate() error {
	return validateKey(o.Namespace, o.EventHub, o.ConsumerGroup, o.PartitionID)
}

func (o Ownership) scope() scope {
	return scope{namespace: o.Namespace, eventHub: o.EventHub, consumerGroup: o.ConsumerGroup}
}

func (c Checkpoint) validate() error {
	return validateKey(c.Namespace, c.EventHub, c.ConsumerGroup, c.PartitionID)
}

func (c Checkpoint) scope() scope {
	return scope{namespace: c.Namespace, eventHub: c.EventHub, consumerGroup: c.ConsumerGroup}
}

func (o Ownership) clone() Ownership {
	o.OwnerID = cloneString(o.OwnerID)
	o.ETag = cloneString(o.ETag)
	return o
}

func (c Checkpoint) clone() Checkpoint {
	c.Offset = cloneString(c.Offset)
	if c.SequenceNumber != nil {
		n := *c.SequenceNumber
		c.SequenceNumber = &n
	}
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Option configures a store.
type Option func(*options)

type options struct {
	now     func() time.Time
	newETag func() string
	logger  *zap.Logger
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, newETag: util.NewETag, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the source of LastModifiedTime.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.logger = lg
		}
	}
}

// WithETagGenerator overrides how etags are issued.
func WithETagGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newETag = fn
		}
	}
}
