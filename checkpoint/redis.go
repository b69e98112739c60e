package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/util"
)

const defaultKeyPrefix = "eventhubs:"

// upsertLua replaces one record and remembers when its partition was first
// written. KEYS: records hash, order zset, sequence counter. ARGV: partition
// id, encoded record.
const upsertLua = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`

// listLua returns the records of a group in first-write order.
// KEYS: records hash, order zset.
const listLua = `
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
if #ids == 0 then
  return {}
end
return redis.call('HMGET', KEYS[1], unpack(ids))
`

var (
	upsertScript = redis.NewScript(upsertLua)
	listScript   = redis.NewScript(listLua)
)

type RedisConfig struct {
	Addr           string `mapstructure:"ADDR"`
	Password       string `mapstructure:"PASSWORD"`
	DB             int64  `mapstructure:"DB"`
	ConnectTimeout int64  `mapstructure:"CONNECT_TIMEOUT"`
	KeyPrefix      string `mapstructure:"KEY_PREFIX"`
}

// RedisStore is a Store shared by many processes. Each update is atomic for
// its partition; concurrent writers to the same partition resolve as last
// writer wins.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
	lg     *zap.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisStore {
	o := newOptions(opts)
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix, opts: o, lg: o.logger}
}

// NewRedisStoreFromConfig connects to redis and returns the store with a
// func that closes the connection.
func NewRedisStoreFromConfig(ctx context.Context, cfg *RedisConfig, opts ...Option) (*RedisStore, func(), error) {
	client, err := util.NewRedisClient(ctx, cfg.Addr, cfg.Password, cfg.DB, time.Duration(cfg.ConnectTimeout)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	s := NewRedisStore(client, cfg.KeyPrefix, opts...)
	s.lg.Info("connected to redis for checkpoints", zap.String("addr", cfg.Addr), zap.Int64("db", cfg.DB))
	return s, func() {
		_ = client.Close()
		s.lg.Info("closed redis connection for checkpoints", zap.String("addr", cfg.Addr))
	}, nil
}

// keys returns the records hash, order zset and sequence counter of a
// group. Components are escaped so that distinct groups never share keys,
// and hash-tagged so that a group lives in one cluster slot.
func (s *RedisStore) keys(kind string, sc scope) []string {
	base := s.prefix + kind + ":{" + url.PathEscape(sc.namespace) + "/" + url.PathEscape(sc.eventHub) + "/" + url.PathEscape(sc.consumerGroup) + "}"
	return []string{base + ":records", base + ":order", base + ":seq"}
}

func (s *RedisStore) UpdateOwnership(ctx context.Context, o Ownership) (Ownership, error) {
	if err := o.validate(); err != nil {
		return Ownership{}, err
	}
	stored := o.clone()
	stored.LastModifiedTime = s.opts.now().UTC()
	stored.ETag = lo.ToPtr(s.opts.newETag())
	if err := s.upsert(ctx, "ownership", o.scope(), o.PartitionID, stored); err != nil {
		return Ownership{}, fmt.Errorf("checkpoint: update ownership: %w", err)
	}
	return stored, nil
}

func (s *RedisStore) ListOwnership(ctx context.Context, namespace, eventHub, consumerGroup string) ([]Ownership, error) {
	out, err := list[Ownership](ctx, s, "ownership", scope{namespace: namespace, eventHub: eventHub, consumerGroup: consumerGroup})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list ownership: %w", err)
	}
	return out, nil
}

func (s *RedisStore) UpdateCheckpoint(ctx context.Context, c Checkpoint) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := s.upsert(ctx, "checkpoint", c.scope(), c.PartitionID, c); err != nil {
		return fmt.Errorf("checkpoint: update checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCheckpoints(ctx context.Context, namespace, eventHub, consumerGroup string) ([]Checkpoint, error) {
	out, err := list[Checkpoint](ctx, s, "checkpoint", scope{namespace: namespace, eventHub: eventHub, consumerGroup: consumerGroup})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list checkpoints: %w", err)
	}
	return out, nil
}

func (s *RedisStore) upsert(ctx context.Context, kind string, sc scope, partitionID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return upsertScript.Run(ctx, s.client, s.keys(kind, sc), partitionID, string(data)).Err()
}

func list[T any](ctx context.Context, s *RedisStore, kind string, sc scope) ([]T, error) {
	keys := s.keys(kind, sc)
	raw, err := listScript.Run(ctx, s.client, keys[:2]).Slice()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		data, ok := item.(string)
		if !ok {
			// order entry without a record
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			s.lg.Warn("skipping undecodable record", zap.String("kind", kind), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
