package inmem

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infigaming-com/go-eventhubs/amqp"
)

// ManagementHandler answers management calls other than READ.
type ManagementHandler func(ctx context.Context, operation string, properties map[string]any) (map[string]any, error)

// Option configures a Broker.
type Option func(*Broker)

// WithEventHub registers an event hub with the given number of partitions.
func WithEventHub(name string, partitions int) Option {
	return func(b *Broker) {
		b.addHub(name, partitions)
	}
}

// WithOpenDelay makes every Open call take at least d.
func WithOpenDelay(d time.Duration) Option {
	return func(b *Broker) {
		b.openDelay = d
	}
}

// WithAttachDelay makes every link attach take at least d, or until the
// attach ctx is done.
func WithAttachDelay(d time.Duration) Option {
	return func(b *Broker) {
		b.attachDelay = d
	}
}

// WithManagementHandler overrides the answer for operations other than READ.
func WithManagementHandler(h ManagementHandler) Option {
	return func(b *Broker) {
		b.management = h
	}
}

// Broker is an in-process event hubs namespace. It implements
// amqp.Transport and lets tests inject failures at each protocol step.
type Broker struct {
	mu          sync.Mutex
	hubs        map[string]*hub
	conns       map[*connection]struct{}
	openDelay   time.Duration
	attachDelay time.Duration
	management  ManagementHandler

	failOpen    faultQueue
	failAttach  faultQueue
	failCall    faultQueue
	failSend    faultQueue
	failReceive faultQueue

	opens    atomic.Int64
	attaches atomic.Int64
	calls    atomic.Int64
	sends    atomic.Int64
}

var _ amqp.Transport = (*Broker)(nil)

func New(opts ...Option) *Broker {
	b := &Broker{
		hubs:  map[string]*hub{},
		conns: map[*connection]struct{}{},
		management: func(_ context.Context, operation string, _ map[string]any) (map[string]any, error) {
			return map[string]any{"operation": operation}, nil
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailOpen makes the next len(errs) Open calls fail with errs in order.
func (b *Broker) FailOpen(errs ...error) { b.failOpen.push(errs...) }

// FailAttach makes the next len(errs) link attaches fail with errs in order.
func (b *Broker) FailAttach(errs ...error) { b.failAttach.push(errs...) }

// FailCall makes the next len(errs) management calls fail with errs in order.
func (b *Broker) FailCall(errs ...error) { b.failCall.push(errs...) }

// FailSend makes the next len(errs) sends fail with errs in order.
func (b *Broker) FailSend(errs ...error) { b.failSend.push(errs...) }

// FailReceive makes the next len(errs) receives fail with errs in order.
func (b *Broker) FailReceive(errs ...error) { b.failReceive.push(errs...) }

// DropConnections kills every open connection. Pending and future operations
// on them fail with a connection-forced error.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = map[*connection]struct{}{}
	b.mu.Unlock()
	for _, c := range conns {
		c.kill(amqp.NewDescribedError(amqp.ConditionConnectionForced, "connection dropped by broker", nil))
	}
}

func (b *Broker) Opens() int64    { return b.opens.Load() }
func (b *Broker) Attaches() int64 { return b.attaches.Load() }
func (b *Broker) Calls() int64    { return b.calls.Load() }
func (b *Broker) Sends() int64    { return b.sends.Load() }

// LiveConnections reports connections that are neither closed nor dropped.
func (b *Broker) LiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Publish appends an event directly to a partition, bypassing links.
func (b *Broker) Publish(eventHub, partitionID string, msg *amqp.Message) (*amqp.Message, error) {
	p, err := b.partition(eventHub, partitionID)
	if err != nil {
		return nil, err
	}
	return p.append(msg), nil
}

func (b *Broker) Open(ctx context.Context, endpoint string, _ amqp.ConnectionOptions) (amqp.Connection, error) {
	b.opens.Add(1)
	if b.openDelay > 0 {
		t := time.NewTimer(b.openDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := b.failOpen.pop(); err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, errors.New("inmem: endpoint required")
	}
	c := &connection{broker: b, endpoint: endpoint, done: make(chan struct{})}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

func (b *Broker) addHub(name string, partitions int) {
	if partitions <= 0 {
		partitions = 1
	}
	h := &hub{name: name, createdAt: time.Now().UTC(), partitions: map[string]*partition{}}
	for i := 0; i < partitions; i++ {
		id := strconv.Itoa(i)
		h.ids = append(h.ids, id)
		h.partitions[id] = newPartition(id)
	}
	b.mu.Lock()
	b.hubs[name] = h
	b.mu.Unlock()
}

func (b *Broker) hub(name string) (*hub, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hubs[name]
	if !ok {
		return nil, amqp.NewDescribedError(amqp.ConditionNotFound, fmt.Sprintf("event hub %q not found", name), nil)
	}
	return h, nil
}

func (b *Broker) partition(eventHub, partitionID string) (*partition, error) {
	h, err := b.hub(eventHub)
	if err != nil {
		return nil, err
	}
	p, ok := h.partitions[partitionID]
	if !ok {
		return nil, amqp.NewDescribedError(amqp.ConditionNotFound, fmt.Sprintf("partition %q not found in %q", partitionID, eventHub), nil)
	}
	return p, nil
}

func (b *Broker) forget(c *connection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

type hub struct {
	name       string
	createdAt  time.Time
	ids        []string
	partitions map[string]*partition
}

// partitionFor picks a partition for events sent to the hub itself.
func (h *hub) partitionFor(key string, counter int64) *partition {
	if key == "" {
		return h.partitions[h.ids[int(counter)%len(h.ids)]]
	}
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return h.partitions[h.ids[f.Sum32()%uint32(len(h.ids))]]
}

type faultQueue struct {
	mu   sync.Mutex
	errs []error
}

func (q *faultQueue) push(errs ...error) {
	q.mu.Lock()
	q.errs = append(q.errs, errs...)
	q.mu.Unlock()
}

func (q *faultQueue) pop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.errs) == 0 {
		return nil
	}
	err := q.errs[0]
	q.errs = q.errs[1:]
	return err
}
