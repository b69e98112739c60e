package recoverable

import (
	"context"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/errors"
)

// Sender publishes events to an event hub, or to one of its partitions when
// a partition id is given.
type Sender struct {
	link   *link[amqp.SenderLink]
	target string
}

func NewSender(guard *ConnectionGuard, eventHub, partitionID string, opts ...Option) *Sender {
	s := &Sender{target: amqp.SenderAddress(eventHub, partitionID)}
	s.link = newLink(guard, "sender", s.attach, opts)
	return s
}

func (s *Sender) attach(ctx context.Context, sess amqp.Session, h ConnectionHandle) (amqp.SenderLink, error) {
	tok, err := s.link.guard.authorize(ctx, h.Conn, s.target, s.link.opts.authorizer)
	if err != nil {
		return nil, err
	}
	return sess.NewSender(ctx, amqp.SenderOptions{Target: s.target, Token: tok})
}

// Send delivers msg. A retried send may deliver msg more than once.
func (s *Sender) Send(ctx context.Context, msg *amqp.Message) error {
	if msg == nil {
		return errors.Validation("message is required")
	}
	_, err := run(ctx, s.link, "sender.send", func(ctx context.Context, lk amqp.SenderLink) (struct{}, error) {
		return struct{}{}, lk.Send(ctx, msg)
	})
	return err
}

func (s *Sender) Target() string {
	return s.target
}

// Attach always fails. The link is attached on demand by Send.
func (s *Sender) Attach(context.Context) error {
	return s.link.unsupported("attach")
}

// Detach always fails. Use Close to release the link.
func (s *Sender) Detach(context.Context) error {
	return s.link.unsupported("detach")
}

func (s *Sender) Close(ctx context.Context) error {
	return s.link.close(ctx)
}
