package recoverable

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/retry"
)

type closer interface {
	Close(ctx context.Context) error
}

// attachFunc attaches a link of one kind on a fresh session.
type attachFunc[L closer] func(ctx context.Context, sess amqp.Session, h ConnectionHandle) (L, error)

// link lazily attaches one link over the guarded connection and rebuilds it
// when the connection generation moves on or the link reports a detach.
// Operations on a link run one at a time in submission order, retries
// included.
type link[L closer] struct {
	guard  *ConnectionGuard
	kind   string
	attach attachFunc[L]
	opts   options
	logger *zap.Logger

	// sem serializes operations; unlike a mutex it can be abandoned on ctx.
	sem chan struct{}

	// lifetime is cancelled by close and aborts an attach in progress.
	lifetime context.Context
	end      context.CancelFunc

	mu         sync.Mutex
	current    L
	session    amqp.Session
	generation uint64
	attached   bool
	closed     bool
}

func newLink[L closer](guard *ConnectionGuard, kind string, attach attachFunc[L], opts []Option) *link[L] {
	o := guard.opts
	for _, opt := range opts {
		opt(&o)
	}
	lifetime, end := context.WithCancel(context.Background())
	return &link[L]{
		guard:    guard,
		kind:     kind,
		attach:   attach,
		opts:     o,
		logger:   o.logger.With(zap.String("link", kind), zap.String("endpoint", guard.endpoint)),
		sem:      make(chan struct{}, 1),
		lifetime: lifetime,
		end:      end,
	}
}

func (l *link[L]) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Cancelled(ctx.Err())
	}
}

func (l *link[L]) release() {
	<-l.sem
}

// get returns the attached link, attaching one for the current connection
// generation when needed. Attach I/O runs outside l.mu and is cancelled by
// close.
func (l *link[L]) get(ctx context.Context) (L, uint64, error) {
	var zero L
	h, err := l.guard.EnsureConnection(ctx)
	if err != nil {
		return zero, 0, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return zero, h.Generation, errors.Closed(l.kind)
	}
	if l.attached && l.generation == h.Generation {
		lk := l.current
		l.mu.Unlock()
		return lk, h.Generation, nil
	}
	var stale L
	var staleSess amqp.Session
	if l.attached {
		l.logger.Debug("dropping link from stale generation",
			zap.Uint64("generation", l.generation), zap.Uint64("current", h.Generation))
		stale, staleSess = l.takeLocked()
	}
	l.mu.Unlock()
	l.discard(stale, staleSess)

	attachCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.lifetime, cancel)
	defer stop()

	lk, sess, err := l.open(attachCtx, h)
	if err != nil {
		if l.isClosed() {
			return zero, h.Generation, errors.Closed(l.kind)
		}
		return zero, h.Generation, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.discard(lk, sess)
		return zero, h.Generation, errors.Closed(l.kind)
	}
	l.current, l.session, l.generation, l.attached = lk, sess, h.Generation, true
	l.mu.Unlock()

	l.logger.Debug("link attached", zap.Uint64("generation", h.Generation))
	l.opts.recorder.OnLinkCreated(ctx, l.kind, h.Generation)
	return lk, h.Generation, nil
}

func (l *link[L]) open(ctx context.Context, h ConnectionHandle) (L, amqp.Session, error) {
	var zero L
	sess, err := h.Conn.NewSession(ctx)
	if err != nil {
		return zero, nil, errors.Amqp(err)
	}
	lk, err := l.attach(ctx, sess, h)
	if err != nil {
		l.closeQuietly(sess)
		return zero, nil, errors.Amqp(err)
	}
	return lk, sess, nil
}

func (l *link[L]) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// recover reacts to a failed attempt so that the next one starts from a
// usable link and connection.
func (l *link[L]) recover(generation uint64, err error) {
	if !linkFailed(err) {
		return
	}
	var lk L
	var sess amqp.Session
	l.mu.Lock()
	if l.attached && l.generation == generation {
		lk, sess = l.takeLocked()
	}
	l.mu.Unlock()
	l.discard(lk, sess)
	if Classify(err) == RequiresReconnect && connectionLost(err) && generation > 0 {
		l.guard.Invalidate(generation, err)
	}
}

// takeLocked detaches the current link from l and returns it for closing.
func (l *link[L]) takeLocked() (L, amqp.Session) {
	var zero L
	lk, sess := l.current, l.session
	l.current, l.session, l.attached = zero, nil, false
	return lk, sess
}

// discard closes a link taken from l, if any.
func (l *link[L]) discard(lk L, sess amqp.Session) {
	if any(lk) != nil {
		l.closeQuietly(lk)
	}
	if sess != nil {
		l.closeQuietly(sess)
	}
}

func (l *link[L]) closeQuietly(c closer) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.closeTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		l.logger.Debug("failed to close", zap.Error(err))
	}
}

// close detaches the link and aborts an attach in progress. Later operations
// fail with a closed error.
func (l *link[L]) close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.end()
	if !l.attached {
		l.mu.Unlock()
		return nil
	}
	lk, sess := l.takeLocked()
	l.mu.Unlock()

	err := lk.Close(ctx)
	if sess != nil {
		l.closeQuietly(sess)
	}
	return errors.Amqp(err)
}

func (l *link[L]) unsupported(op string) error {
	err := errors.Unsupported(op)
	l.logger.Error("operation is managed internally by recoverable links", zap.String("operation", op), zap.Error(err))
	return err
}

// run executes fn on the link under the retry policy of the link. Failures
// of the connection or the attach count as attempts.
func run[L closer, T any](ctx context.Context, l *link[L], name string, fn func(ctx context.Context, lk L) (T, error)) (T, error) {
	var zero T
	if err := l.acquire(ctx); err != nil {
		return zero, err
	}
	defer l.release()

	return retry.Do(ctx, func(ctx context.Context) (T, error) {
		lk, generation, err := l.get(ctx)
		if err != nil {
			l.recover(generation, err)
			return zero, err
		}
		res, err := fn(ctx, lk)
		if err != nil {
			err = errors.Amqp(err)
			l.recover(generation, err)
			return zero, err
		}
		return res, nil
	}, l.opts.retry, l.opts.classifier,
		retry.WithName(name),
		retry.WithLogger(l.logger),
		retry.WithOnRetry(func(attempt int, _ time.Duration, err error) {
			l.opts.recorder.OnRetry(ctx, name, attempt, err)
		}),
	)
}
