package recoverable

import (
	"context"

	"github.com/infigaming-com/go-eventhubs/amqp"
)

const managementClientName = "eventhubs-management"

// ManagementClient issues request/response calls on the $management node,
// reattaching its link as needed.
type ManagementClient struct {
	link *link[amqp.ManagementLink]
}

func NewManagementClient(guard *ConnectionGuard, opts ...Option) *ManagementClient {
	c := &ManagementClient{}
	c.link = newLink(guard, "management", c.attach, opts)
	return c
}

func (c *ManagementClient) attach(ctx context.Context, sess amqp.Session, h ConnectionHandle) (amqp.ManagementLink, error) {
	tok, err := c.link.guard.authorize(ctx, h.Conn, amqp.ManagementAddress, c.link.opts.authorizer)
	if err != nil {
		return nil, err
	}
	return sess.NewManagementLink(ctx, amqp.ManagementLinkOptions{
		ClientName: managementClientName,
		Token:      tok,
	})
}

// Call sends one management request. Transient failures, including failures
// to connect or attach, are retried before the caller sees them.
func (c *ManagementClient) Call(ctx context.Context, operation string, properties map[string]any) (map[string]any, error) {
	return run(ctx, c.link, "management.call", func(ctx context.Context, lk amqp.ManagementLink) (map[string]any, error) {
		return lk.Call(ctx, operation, properties)
	})
}

// Attach always fails. The link is attached on demand by Call.
func (c *ManagementClient) Attach(context.Context) error {
	return c.link.unsupported("attach")
}

// Detach always fails. Use Close to release the link.
func (c *ManagementClient) Detach(context.Context) error {
	return c.link.unsupported("detach")
}

func (c *ManagementClient) Close(ctx context.Context) error {
	return c.link.close(ctx)
}
