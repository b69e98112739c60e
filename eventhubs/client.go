// Package eventhubs is a small client over the recoverable connection layer:
// one shared connection per Client, with management, producer and consumer
// links built on demand and rebuilt after failures.
package eventhubs

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/recoverable"
	"github.com/infigaming-com/go-eventhubs/util"
)

const (
	readOperation     = "READ"
	eventHubEntity    = "com.microsoft:eventhub"
	partitionEntity   = "com.microsoft:partition"
	defaultClientName = "go-eventhubs"
)

type EventHubProperties struct {
	Name         string    `json:"name"`
	CreatedOn    time.Time `json:"created_on"`
	PartitionIDs []string  `json:"partition_ids"`
}

type PartitionProperties struct {
	EventHub                string    `json:"event_hub"`
	PartitionID             string    `json:"partition_id"`
	BeginningSequenceNumber int64     `json:"beginning_sequence_number"`
	LastSequenceNumber      int64     `json:"last_sequence_number"`
	LastOffset              string    `json:"last_offset,omitempty"`
	LastEnqueuedOn          time.Time `json:"last_enqueued_on,omitempty"`
	IsEmpty                 bool      `json:"is_empty"`
}

type closer interface {
	Close(ctx context.Context) error
}

// Client owns one ConnectionGuard. Producers and consumers created from it
// share that connection and are closed with it.
type Client struct {
	cfg   Config
	guard *recoverable.ConnectionGuard
	mgmt  *recoverable.ManagementClient
	lg    *zap.Logger

	mu     sync.Mutex
	links  []closer
	closed bool
}

// NewClient validates cfg and prepares a client. No connection is opened
// until the first operation needs one.
func NewClient(transport amqp.Transport, cfg Config, opts ...recoverable.Option) (*Client, error) {
	if transport == nil {
		return nil, errors.Validation("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = amqp.DefaultConsumerGroup
	}

	base := []recoverable.Option{
		recoverable.WithRetryOptions(cfg.Retry.Options()),
		recoverable.WithConnectionOptions(amqp.ConnectionOptions{
			ContainerID:   cfg.ContainerID,
			ApplicationID: defaultClientName,
			IdleTimeout:   cfg.IdleTimeout,
		}),
	}
	guard := recoverable.NewConnectionGuard(transport, cfg.Endpoint, append(base, opts...)...)
	c := &Client{
		cfg:   cfg,
		guard: guard,
		mgmt:  recoverable.NewManagementClient(guard),
		lg:    guard.Logger().With(zap.String("event_hub", cfg.EventHub)),
	}
	return c, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// Namespace is the host of the configured endpoint.
func (c *Client) Namespace() string {
	return c.cfg.Namespace()
}

func (c *Client) Status() recoverable.Status {
	return c.guard.Status()
}

func (c *Client) GetEventHubProperties(ctx context.Context) (EventHubProperties, error) {
	resp, err := c.mgmt.Call(ctx, readOperation, map[string]any{
		"name": c.cfg.EventHub,
		"type": eventHubEntity,
	})
	if err != nil {
		return EventHubProperties{}, err
	}
	props := EventHubProperties{
		Name:      util.GetMapValue(resp, "name", c.cfg.EventHub),
		CreatedOn: asTime(resp["created_at"]),
	}
	props.PartitionIDs, err = asStrings(resp["partition_ids"])
	if err != nil {
		return EventHubProperties{}, err
	}
	return props, nil
}

func (c *Client) GetPartitionProperties(ctx context.Context, partitionID string) (PartitionProperties, error) {
	if partitionID == "" {
		return PartitionProperties{}, errors.Validation("partition id is required")
	}
	resp, err := c.mgmt.Call(ctx, readOperation, map[string]any{
		"name":      c.cfg.EventHub,
		"type":      partitionEntity,
		"partition": partitionID,
	})
	if err != nil {
		return PartitionProperties{}, err
	}
	props := PartitionProperties{
		EventHub:       util.GetMapValue(resp, "name", c.cfg.EventHub),
		PartitionID:    util.GetMapValue(resp, "partition", partitionID),
		LastOffset:     util.GetMapValue(resp, "last_enqueued_offset", ""),
		LastEnqueuedOn: asTime(resp["last_enqueued_time_utc"]),
		IsEmpty:        util.GetMapValue(resp, "is_partition_empty", false),
	}
	if props.BeginningSequenceNumber, err = asInt64(resp["begin_sequence_number"]); err != nil {
		return PartitionProperties{}, err
	}
	if props.LastSequenceNumber, err = asInt64(resp["last_enqueued_sequence_number"]); err != nil {
		return PartitionProperties{}, err
	}
	return props, nil
}

// NewProducer returns a sender for the event hub. An empty partitionID lets
// the service pick the partition. opts override the client's options for
// this link only.
func (c *Client) NewProducer(partitionID string, opts ...recoverable.Option) (*recoverable.Sender, error) {
	s := recoverable.NewSender(c.guard, c.cfg.EventHub, partitionID, opts...)
	if err := c.track(s); err != nil {
		return nil, err
	}
	return s, nil
}

// NewConsumer returns a receiver on the configured consumer group.
func (c *Client) NewConsumer(partitionID string, start amqp.StartPosition, prefetch int32, opts ...recoverable.Option) (*recoverable.Receiver, error) {
	r, err := recoverable.NewReceiver(c.guard, recoverable.ReceiverConfig{
		EventHub:      c.cfg.EventHub,
		ConsumerGroup: c.cfg.ConsumerGroup,
		PartitionID:   partitionID,
		Start:         start,
		Prefetch:      prefetch,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.track(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) track(l closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = l.Close(context.Background())
		return errors.Closed("client")
	}
	c.links = append(c.links, l)
	return nil
}

// Close releases every link created by the client and then the connection.
// The first error is returned; the rest are logged.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := append(c.links, c.mgmt)
	c.links = nil
	c.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.guard.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 1 {
		c.lg.Warn("errors while closing client", zap.Errors("errors", errs[1:]))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	c.lg.Info("client closed")
	return nil
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, errors.NewError(errors.KindOther, "malformed sequence number "+strconv.Quote(n), err)
		}
		return i, nil
	case nil:
		return 0, nil
	default:
		return 0, errors.NewError(errors.KindOther, "unexpected sequence number type", stderrors.ErrUnsupported)
	}
}

func asStrings(v any) ([]string, error) {
	switch ids := v.(type) {
	case []string:
		return append([]string(nil), ids...), nil
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			s, ok := id.(string)
			if !ok {
				return nil, errors.NewError(errors.KindOther, "unexpected partition id type", stderrors.ErrUnsupported)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return []string{}, nil
	default:
		return nil, errors.NewError(errors.KindOther, "unexpected partition ids type", stderrors.ErrUnsupported)
	}
}
