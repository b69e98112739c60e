package recoverable

import (
	"context"
	"sync"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/errors"
)

// ReceiverConfig selects the partition a Receiver reads and where it starts.
type ReceiverConfig struct {
	EventHub      string
	ConsumerGroup string
	PartitionID   string
	// Start applies to the first attach only. Later attaches resume after
	// the last received event.
	Start      amqp.StartPosition
	Prefetch   int32
	OwnerLevel *int64
}

// Receiver reads events from one partition. After a reconnect it resumes
// right after the last event it returned.
type Receiver struct {
	link   *link[amqp.ReceiverLink]
	cfg    ReceiverConfig
	source string

	mu      sync.Mutex
	lastSeq *int64
}

func NewReceiver(guard *ConnectionGuard, cfg ReceiverConfig, opts ...Option) (*Receiver, error) {
	if cfg.EventHub == "" || cfg.PartitionID == "" {
		return nil, errors.Validation("event hub and partition id are required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = amqp.DefaultConsumerGroup
	}
	r := &Receiver{
		cfg:    cfg,
		source: amqp.ReceiverAddress(cfg.EventHub, cfg.ConsumerGroup, cfg.PartitionID),
	}
	r.link = newLink(guard, "receiver", r.attach, opts)
	return r, nil
}

func (r *Receiver) attach(ctx context.Context, sess amqp.Session, h ConnectionHandle) (amqp.ReceiverLink, error) {
	tok, err := r.link.guard.authorize(ctx, h.Conn, r.source, r.link.opts.authorizer)
	if err != nil {
		return nil, err
	}
	return sess.NewReceiver(ctx, amqp.ReceiverOptions{
		Source:     r.source,
		Token:      tok,
		Start:      r.position(),
		Prefetch:   r.cfg.Prefetch,
		OwnerLevel: r.cfg.OwnerLevel,
	})
}

func (r *Receiver) position() amqp.StartPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq == nil {
		return r.cfg.Start
	}
	seq := *r.lastSeq
	return amqp.StartPosition{SequenceNumber: &seq}
}

// Receive blocks until an event arrives or ctx is done.
func (r *Receiver) Receive(ctx context.Context) (*amqp.Message, error) {
	return run(ctx, r.link, "receiver.receive", func(ctx context.Context, lk amqp.ReceiverLink) (*amqp.Message, error) {
		msg, err := lk.Receive(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		seq := msg.SequenceNumber
		r.lastSeq = &seq
		r.mu.Unlock()
		return msg, nil
	})
}

// LastSequenceNumber returns the sequence number of the last event
// returned by Receive.
func (r *Receiver) LastSequenceNumber() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq == nil {
		return 0, false
	}
	return *r.lastSeq, true
}

func (r *Receiver) Source() string {
	return r.source
}

// Attach always fails. The link is attached on demand by Receive.
func (r *Receiver) Attach(context.Context) error {
	return r.link.unsupported("attach")
}

// Detach always fails. Use Close to release the link.
func (r *Receiver) Detach(context.Context) error {
	return r.link.unsupported("detach")
}

func (r *Receiver) Close(ctx context.Context) error {
	return r.link.close(ctx)
}
