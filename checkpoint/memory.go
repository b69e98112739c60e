package checkpoint

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// ordered keeps records in first-insertion order with replace-in-place.
type ordered[T any] struct {
	index map[string]int
	items []T
}

func (o *ordered[T]) put(partitionID string, v T) {
	if o.index == nil {
		o.index = map[string]int{}
	}
	if i, ok := o.index[partitionID]; ok {
		o.items[i] = v
		return
	}
	o.index[partitionID] = len(o.items)
	o.items = append(o.items, v)
}

// InMemoryStore is a Store for a single process.
type InMemoryStore struct {
	opts options

	mu          sync.RWMutex
	ownership   map[scope]*ordered[Ownership]
	checkpoints map[scope]*ordered[Checkpoint]
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		opts:        newOptions(opts),
		ownership:   map[scope]*ordered[Ownership]{},
		checkpoints: map[scope]*ordered[Checkpoint]{},
	}
}

func (s *InMemoryStore) UpdateOwnership(_ context.Context, o Ownership) (Ownership, error) {
	if err := o.validate(); err != nil {
		return Ownership{}, err
	}
	stored := o.clone()
	stored.LastModifiedTime = s.opts.now().UTC()
	stored.ETag = lo.ToPtr(s.opts.newETag())

	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.ownership[o.scope()]
	if !ok {
		records = &ordered[Ownership]{}
		s.ownership[o.scope()] = records
	}
	records.put(o.PartitionID, stored)
	return stored.clone(), nil
}

func (s *InMemoryStore) ListOwnership(_ context.Context, namespace, eventHub, consumerGroup string) ([]Ownership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.ownership[scope{namespace: namespace, eventHub: eventHub, consumerGroup: consumerGroup}]
	if !ok {
		return []Ownership{}, nil
	}
	return lo.Map(records.items, func(o Ownership, _ int) Ownership { return o.clone() }), nil
}

func (s *InMemoryStore) UpdateCheckpoint(_ context.Context, c Checkpoint) error {
	if err := c.validate(); err != nil {
		return err
	}
	stored := c.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.checkpoints[c.scope()]
	if !ok {
		records = &ordered[Checkpoint]{}
		s.checkpoints[c.scope()] = records
	}
	records.put(c.PartitionID, stored)
	return nil
}

func (s *InMemoryStore) ListCheckpoints(_ context.Context, namespace, eventHub, consumerGroup string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.checkpoints[scope{namespace: namespace, eventHub: eventHub, consumerGroup: consumerGroup}]
	if !ok {
		return []Checkpoint{}, nil
	}
	return lo.Map(records.items, func(c Checkpoint, _ int) Checkpoint { return c.clone() }), nil
}
