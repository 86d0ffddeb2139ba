package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "indexer:checkpoint:"

// advanceScript writes the hash only when got_block does not move backwards.
var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'got_block')
if current and tonumber(current) > tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], 'namespace', ARGV[1], 'network', ARGV[2], 'got_block', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

// resetScript overwrites got_block of an existing hash.
var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'got_block', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// CheckpointStore keeps indexer checkpoints in Redis hashes, one key per
// indexer.
type CheckpointStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var (
	_ store.CheckpointRepository = (*CheckpointStore)(nil)
	_ store.CheckpointResetter   = (*CheckpointStore)(nil)
)

func NewCheckpointStore(url string) (*CheckpointStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewCheckpointStoreWithClient(client), nil
}

func NewCheckpointStoreWithClient(client *redis.Client) *CheckpointStore {
	return &CheckpointStore{client: client, prefix: defaultKeyPrefix, now: time.Now}
}

func (s *CheckpointStore) Close() error {
	return s.client.Close()
}

func (s *CheckpointStore) Client() *redis.Client {
	return s.client
}

func (s *CheckpointStore) key(indexerID string) string {
	return s.prefix + indexerID
}

func (s *CheckpointStore) Get(ctx context.Context, indexerID string) (*model.IndexerCheckpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.key(indexerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	cp, err := decodeCheckpoint(indexerID, fields)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", indexerID, err)
	}
	return cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp model.IndexerCheckpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	err := advanceScript.Run(ctx, s.client, []string{s.key(cp.IndexerID)},
		cp.Namespace, string(cp.Network), cp.GotBlock, updatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Reset(ctx context.Context, indexerID string, gotBlock int64) error {
	n, err := resetScript.Run(ctx, s.client, []string{s.key(indexerID)},
		gotBlock, s.now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reset checkpoint %s: %w", indexerID, store.ErrCheckpointNotFound)
	}
	return nil
}

func decodeCheckpoint(indexerID string, fields map[string]string) (*model.IndexerCheckpoint, error) {
	gotBlock, err := strconv.ParseInt(fields["got_block"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("got_block: %w", err)
	}
	cp := &model.IndexerCheckpoint{
		IndexerID: indexerID,
		Namespace: fields["namespace"],
		Network:   model.Network(fields["network"]),
		GotBlock:  gotBlock,
	}
	if raw := fields["updated_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("updated_at: %w", err)
		}
		cp.UpdatedAt = ts
	}
	return cp, nil
}
