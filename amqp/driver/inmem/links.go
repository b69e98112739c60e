package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/infigaming-com/go-eventhubs/amqp"
)

type connection struct {
	broker   *Broker
	endpoint string

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (c *connection) kill(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *connection) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *connection) NewSession(_ context.Context) (amqp.Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &session{conn: c}, nil
}

func (c *connection) Close(_ context.Context) error {
	c.broker.forget(c)
	c.kill(amqp.NewDescribedError(amqp.ConditionIllegalState, "connection closed", nil))
	return nil
}

type session struct {
	conn *connection
}

func (s *session) attach(ctx context.Context) error {
	b := s.conn.broker
	b.attaches.Add(1)
	if b.attachDelay > 0 {
		t := time.NewTimer(b.attachDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := s.conn.check(); err != nil {
		return err
	}
	return b.failAttach.pop()
}

func (s *session) NewManagementLink(ctx context.Context, _ amqp.ManagementLinkOptions) (amqp.ManagementLink, error) {
	if err := s.attach(ctx); err != nil {
		return nil, err
	}
	return &managementLink{conn: s.conn}, nil
}

func (s *session) NewSender(ctx context.Context, opts amqp.SenderOptions) (amqp.SenderLink, error) {
	if err := s.attach(ctx); err != nil {
		return nil, err
	}
	addr, err := amqp.ParseAddress(opts.Target)
	if err != nil {
		return nil, amqp.NewDescribedError(amqp.ConditionInvalidField, err.Error(), nil)
	}
	h, err := s.conn.broker.hub(addr.EventHub)
	if err != nil {
		return nil, err
	}
	if addr.PartitionID != "" {
		if _, ok := h.partitions[addr.PartitionID]; !ok {
			return nil, amqp.NewDescribedError(amqp.ConditionNotFound, fmt.Sprintf("partition %q not found", addr.PartitionID), nil)
		}
	}
	return &senderLink{conn: s.conn, hub: h, partitionID: addr.PartitionID}, nil
}

func (s *session) NewReceiver(ctx context.Context, opts amqp.ReceiverOptions) (amqp.ReceiverLink, error) {
	if err := s.attach(ctx); err != nil {
		return nil, err
	}
	addr, err := amqp.ParseAddress(opts.Source)
	if err != nil || addr.ConsumerGroup == "" {
		return nil, amqp.NewDescribedError(amqp.ConditionInvalidField, fmt.Sprintf("bad receiver source %q", opts.Source), nil)
	}
	p, err := s.conn.broker.partition(addr.EventHub, addr.PartitionID)
	if err != nil {
		return nil, err
	}
	return &receiverLink{conn: s.conn, partition: p, next: p.position(opts.Start)}, nil
}

func (s *session) Close(_ context.Context) error { return nil }

type managementLink struct {
	conn *connection
}

func (l *managementLink) Call(ctx context.Context, operation string, properties map[string]any) (map[string]any, error) {
	b := l.conn.broker
	b.calls.Add(1)
	if err := l.conn.check(); err != nil {
		return nil, err
	}
	if err := b.failCall.pop(); err != nil {
		return nil, err
	}
	if operation != "READ" {
		return b.management(ctx, operation, properties)
	}
	name, _ := properties["name"].(string)
	h, err := b.hub(name)
	if err != nil {
		return nil, amqp.NewManagementError(404, err.Error())
	}
	switch properties["type"] {
	case "com.microsoft:eventhub":
		return map[string]any{
			"name":          h.name,
			"created_at":    h.createdAt,
			"partition_ids": append([]string(nil), h.ids...),
		}, nil
	case "com.microsoft:partition":
		id, _ := properties["partition"].(string)
		p, ok := h.partitions[id]
		if !ok {
			return nil, amqp.NewManagementError(404, fmt.Sprintf("partition %q not found", id))
		}
		return p.properties(h.name), nil
	default:
		return nil, amqp.NewManagementError(400, fmt.Sprintf("unknown entity type %v", properties["type"]))
	}
}

func (l *managementLink) Close(_ context.Context) error { return nil }

type senderLink struct {
	conn        *connection
	hub         *hub
	partitionID string
}

func (l *senderLink) Send(_ context.Context, msg *amqp.Message) error {
	b := l.conn.broker
	if err := l.conn.check(); err != nil {
		return err
	}
	if err := b.failSend.pop(); err != nil {
		return err
	}
	n := b.sends.Add(1)
	p := l.hub.partitions[l.partitionID]
	if p == nil {
		p = l.hub.partitionFor(msg.PartitionKey, n)
	}
	p.append(msg)
	return nil
}

func (l *senderLink) Close(_ context.Context) error { return nil }

type receiverLink struct {
	conn      *connection
	partition *partition

	mu   sync.Mutex
	next int
}

func (l *receiverLink) Receive(ctx context.Context) (*amqp.Message, error) {
	if err := l.conn.check(); err != nil {
		return nil, err
	}
	if err := l.conn.broker.failReceive.pop(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		msg, wait := l.partition.at(l.next)
		if msg != nil {
			l.next++
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.conn.done:
			return nil, l.conn.check()
		case <-wait:
		}
	}
}

func (l *receiverLink) Close(_ context.Context) error { return nil }

type partition struct {
	id string

	mu     sync.Mutex
	events []*amqp.Message
	bytes  int64
	notify chan struct{}
}

func newPartition(id string) *partition {
	return &partition{id: id, notify: make(chan struct{})}
}

func (p *partition) append(msg *amqp.Message) *amqp.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := &amqp.Message{
		MessageID:      msg.MessageID,
		Body:           append([]byte(nil), msg.Body...),
		PartitionKey:   msg.PartitionKey,
		Properties:     clone(msg.Properties),
		SequenceNumber: int64(len(p.events)),
		Offset:         strconv.FormatInt(p.bytes, 10),
		EnqueuedTime:   time.Now().UTC(),
		PartitionID:    p.id,
	}
	p.bytes += int64(len(msg.Body))
	p.events = append(p.events, stored)
	close(p.notify)
	p.notify = make(chan struct{})
	return copyMessage(stored)
}

// at returns the event at index i, or a channel closed on the next append.
func (p *partition) at(i int) (*amqp.Message, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < len(p.events) {
		return copyMessage(p.events[i]), nil
	}
	return nil, p.notify
}

func (p *partition) position(start amqp.StartPosition) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case start.SequenceNumber != nil:
		idx := int(*start.SequenceNumber)
		if !start.Inclusive {
			idx++
		}
		return clamp(idx, len(p.events))
	case start.Offset != nil:
		for i, ev := range p.events {
			if ev.Offset == *start.Offset {
				if start.Inclusive {
					return i
				}
				return i + 1
			}
		}
		return len(p.events)
	case start.EnqueuedTime != nil:
		for i, ev := range p.events {
			if ev.EnqueuedTime.After(*start.EnqueuedTime) {
				return i
			}
		}
		return len(p.events)
	case start.Earliest:
		return 0
	default:
		return len(p.events)
	}
}

func (p *partition) properties(eventHub string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	props := map[string]any{
		"name":                          eventHub,
		"partition":                     p.id,
		"begin_sequence_number":         int64(0),
		"last_enqueued_sequence_number": int64(len(p.events)) - 1,
		"is_partition_empty":            len(p.events) == 0,
	}
	if n := len(p.events); n > 0 {
		props["last_enqueued_offset"] = p.events[n-1].Offset
		props["last_enqueued_time_utc"] = p.events[n-1].EnqueuedTime
	}
	return props
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func copyMessage(src *amqp.Message) *amqp.Message {
	dst := *src
	dst.Body = append([]byte(nil), src.Body...)
	dst.Properties = clone(src.Properties)
	return &dst
}

func clone(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
