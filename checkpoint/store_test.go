package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-eventhubs/errors"
)

const (
	testNamespace = "ns.servicebus.test"
	testHub       = "orders"
	testGroup     = "$Default"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func counterETags() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("etag-%d", n)
	}
}

// stores returns a fresh instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	_, client := setupMiniredis(t)
	opts := []Option{WithClock(func() time.Time { return fixedNow }), WithETagGenerator(counterETags())}
	return map[string]Store{
		"memory": NewInMemoryStore(opts...),
		"redis":  NewRedisStore(client, "test:", opts...),
	}
}

func ownership(hub, partition, owner string) Ownership {
	return Ownership{
		Namespace:     testNamespace,
		EventHub:      hub,
		ConsumerGroup: testGroup,
		PartitionID:   partition,
		OwnerID:       lo.ToPtr(owner),
	}
}

func checkpointAt(hub, partition string, seq int64) Checkpoint {
	return Checkpoint{
		Namespace:      testNamespace,
		EventHub:       hub,
		ConsumerGroup:  testGroup,
		PartitionID:    partition,
		Offset:         lo.ToPtr(fmt.Sprint(seq * 100)),
		SequenceNumber: lo.ToPtr(seq),
	}
}

func TestUpdateOwnershipValidation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tests := []struct {
				name   string
				mutate func(*Ownership)
				msg    string
			}{
				{"partition", func(o *Ownership) { o.PartitionID = "" }, "partition id is required"},
				{"namespace", func(o *Ownership) { o.Namespace = "" }, "namespace is required"},
				{"event hub", func(o *Ownership) { o.EventHub = "" }, "event hub is required"},
				{"consumer group", func(o *Ownership) { o.ConsumerGroup = "" }, "consumer group is required"},
			}
			for _, tt := range tests {
				o := ownership(testHub, "0", "a")
				tt.mutate(&o)
				_, err := store.UpdateOwnership(ctx, o)
				require.Error(t, err, tt.name)
				assert.True(t, errors.IsKind(err, errors.KindValidation), tt.name)
				assert.EqualError(t, err, tt.msg)

				c := checkpointAt(testHub, "0", 1)
				c.PartitionID = ""
				err = store.UpdateCheckpoint(ctx, c)
				assert.True(t, errors.IsKind(err, errors.KindValidation))
			}

			owners, err := store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			assert.Empty(t, owners)
		})
	}
}

func TestListUnknownGroupIsEmpty(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owners, err := store.ListOwnership(ctx, "nowhere", "nothing", "nobody")
			require.NoError(t, err)
			assert.NotNil(t, owners)
			assert.Empty(t, owners)

			checkpoints, err := store.ListCheckpoints(ctx, "nowhere", "nothing", "nobody")
			require.NoError(t, err)
			assert.NotNil(t, checkpoints)
			assert.Empty(t, checkpoints)
		})
	}
}

func TestUpdateOwnershipIssuesETag(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := store.UpdateOwnership(ctx, ownership(testHub, "0", "a"))
			require.NoError(t, err)
			require.NotNil(t, first.ETag)
			assert.Equal(t, fixedNow, first.LastModifiedTime)
			assert.Equal(t, "a", *first.OwnerID)

			second, err := store.UpdateOwnership(ctx, ownership(testHub, "0", "b"))
			require.NoError(t, err)
			assert.NotEqual(t, *first.ETag, *second.ETag)

			owners, err := store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			require.Len(t, owners, 1)
			assert.Equal(t, second, owners[0])
		})
	}
}

func TestUpdateOwnershipIsLastWriterWins(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := store.UpdateOwnership(ctx, ownership(testHub, "0", "a"))
			require.NoError(t, err)
			_, err = store.UpdateOwnership(ctx, ownership(testHub, "0", "b"))
			require.NoError(t, err)

			stale := ownership(testHub, "0", "c")
			stale.ETag = first.ETag
			_, err = store.UpdateOwnership(ctx, stale)
			require.NoError(t, err)

			owners, err := store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			require.Len(t, owners, 1)
			assert.Equal(t, "c", *owners[0].OwnerID)
		})
	}
}

func TestUnownedOwnership(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			o := ownership(testHub, "3", "")
			o.OwnerID = nil
			stored, err := store.UpdateOwnership(context.Background(), o)
			require.NoError(t, err)
			assert.False(t, stored.Owned())
			assert.Nil(t, stored.OwnerID)
		})
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, p := range []string{"2", "0", "1"} {
				_, err := store.UpdateOwnership(ctx, ownership(testHub, p, "a"))
				require.NoError(t, err)
				require.NoError(t, store.UpdateCheckpoint(ctx, checkpointAt(testHub, p, 1)))
			}
			_, err := store.UpdateOwnership(ctx, ownership(testHub, "2", "b"))
			require.NoError(t, err)
			require.NoError(t, store.UpdateCheckpoint(ctx, checkpointAt(testHub, "0", 9)))

			owners, err := store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			assert.Equal(t, []string{"2", "0", "1"}, lo.Map(owners, func(o Ownership, _ int) string { return o.PartitionID }))
			assert.Equal(t, "b", *owners[0].OwnerID)

			checkpoints, err := store.ListCheckpoints(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			assert.Equal(t, []string{"2", "0", "1"}, lo.Map(checkpoints, func(c Checkpoint, _ int) string { return c.PartitionID }))
			assert.Equal(t, int64(9), *checkpoints[1].SequenceNumber)
		})
	}
}

func TestCheckpointReplacesWholeRecord(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.UpdateCheckpoint(ctx, checkpointAt(testHub, "0", 5)))

			next := checkpointAt(testHub, "0", 6)
			next.Offset = nil
			require.NoError(t, store.UpdateCheckpoint(ctx, next))

			checkpoints, err := store.ListCheckpoints(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			require.Len(t, checkpoints, 1)
			assert.Nil(t, checkpoints[0].Offset)
			assert.Equal(t, int64(6), *checkpoints[0].SequenceNumber)
		})
	}
}

func TestGroupsAreIsolated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.UpdateCheckpoint(ctx, checkpointAt("hub-a", "0", 1)))
			_, err := store.UpdateOwnership(ctx, ownership("hub-a", "0", "a"))
			require.NoError(t, err)

			checkpoints, err := store.ListCheckpoints(ctx, testNamespace, "hub-b", testGroup)
			require.NoError(t, err)
			assert.Empty(t, checkpoints)
			owners, err := store.ListOwnership(ctx, testNamespace, "hub-b", testGroup)
			require.NoError(t, err)
			assert.Empty(t, owners)

			checkpoints, err = store.ListCheckpoints(ctx, testNamespace, "hub-a", "other-group")
			require.NoError(t, err)
			assert.Empty(t, checkpoints)

			checkpoints, err = store.ListCheckpoints(ctx, testNamespace, "hub-a", testGroup)
			require.NoError(t, err)
			assert.Len(t, checkpoints, 1)
		})
	}
}

func TestGroupsWithSeparatorsAreIsolated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := checkpointAt("a/b", "0", 1)
			a.ConsumerGroup = "c"
			require.NoError(t, store.UpdateCheckpoint(ctx, a))

			checkpoints, err := store.ListCheckpoints(ctx, testNamespace, "a", "b/c")
			require.NoError(t, err)
			assert.Empty(t, checkpoints)
		})
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := ownership(testHub, "0", "a")
			_, err := store.UpdateOwnership(ctx, o)
			require.NoError(t, err)
			*o.OwnerID = "mutated"

			owners, err := store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			*owners[0].OwnerID = "mutated again"

			owners, err = store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			assert.Equal(t, "a", *owners[0].OwnerID)
		})
	}
}

func TestConcurrentUpdates(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						p := fmt.Sprint(i % 4)
						_, err := store.UpdateOwnership(ctx, ownership(testHub, p, fmt.Sprint("w", w)))
						assert.NoError(t, err)
						assert.NoError(t, store.UpdateCheckpoint(ctx, checkpointAt(testHub, p, int64(i))))
					}
				}(w)
			}
			wg.Wait()

			owners, err := store.ListOwnership(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			assert.Len(t, owners, 4)
			for _, o := range owners {
				require.NotNil(t, o.OwnerID)
				require.NotNil(t, o.ETag)
			}
			checkpoints, err := store.ListCheckpoints(ctx, testNamespace, testHub, testGroup)
			require.NoError(t, err)
			assert.Len(t, checkpoints, 4)
		})
	}
}

func TestRedisStoreSharedAcrossClients(t *testing.T) {
	mr, client := setupMiniredis(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { other.Close() })
	ctx := context.Background()

	writer := NewRedisStore(client, "")
	reader := NewRedisStore(other, "")
	stored, err := writer.UpdateOwnership(ctx, ownership(testHub, "0", "a"))
	require.NoError(t, err)

	owners, err := reader.ListOwnership(ctx, testNamespace, testHub, testGroup)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, *stored.ETag, *owners[0].ETag)
	assert.True(t, stored.LastModifiedTime.Equal(owners[0].LastModifiedTime))
	assert.True(t, mr.Exists("eventhubs:ownership:{ns.servicebus.test/orders/$Default}:records"))
}

func TestRedisStoreFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	store, closeFn, err := NewRedisStoreFromConfig(context.Background(), &RedisConfig{Addr: mr.Addr(), ConnectTimeout: 1})
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, store.UpdateCheckpoint(context.Background(), checkpointAt(testHub, "0", 1)))

	_, _, err = NewRedisStoreFromConfig(context.Background(), &RedisConfig{Addr: "127.0.0.1:1", ConnectTimeout: 1})
	assert.Error(t, err)
}

func TestRedisStoreSurfacesStorageErrors(t *testing.T) {
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client, "")
	mr.Close()

	_, err := store.UpdateOwnership(context.Background(), ownership(testHub, "0", "a"))
	require.Error(t, err)
	assert.False(t, errors.IsKind(err, errors.KindValidation))
}
