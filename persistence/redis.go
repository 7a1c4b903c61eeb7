package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/tlsutil"
)

// RedisStore is a Redis backed Store. Records are stored as JSON strings with
// sorted sets as indexes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
	ownClient bool
}

// OpenRedisStore connects to Redis and verifies the connection
func OpenRedisStore(ctx context.Context, cfg config.RedisConfig, keyPrefix string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		TLSConfig:    tlsutil.ClientConfig(cfg.TLS),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStore(client, keyPrefix, logger)
	s.ownClient = true
	return s, nil
}

// NewRedisStore wraps an existing client. The caller keeps ownership of client.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentorch:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) workflowKey(id string) string   { return s.keyPrefix + "wf:" + id }
func (s *RedisStore) workflowIndexKey() string       { return s.keyPrefix + "wf:index" }
func (s *RedisStore) checkpointKey(id string) string { return s.keyPrefix + "cp:" + id }
func (s *RedisStore) checkpointWorkflowKey(wf string) string {
	return s.keyPrefix + "cp:wf:" + wf
}
func (s *RedisStore) checkpointIndexKey() string      { return s.keyPrefix + "cp:index" }
func (s *RedisStore) usageKey(id string) string       { return s.keyPrefix + "usage:" + id }
func (s *RedisStore) usageIndexKey() string           { return s.keyPrefix + "usage:index" }
func (s *RedisStore) usageUserKey(user string) string { return s.keyPrefix + "usage:user:" + user }

// SaveWorkflow implements Store
func (s *RedisStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if err := validateWorkflow(rec); err != nil {
		return err
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		if existing, err := s.FindWorkflow(ctx, rec.ID); err == nil {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = now
		}
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.workflowKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, s.workflowIndexKey(), redis.Z{Score: float64(now.UnixNano()), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// FindWorkflow implements Store
func (s *RedisStore) FindWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	if err := s.getJSON(ctx, s.workflowKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListWorkflows implements Store
func (s *RedisStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.workflowIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	out := make([]*WorkflowRecord, 0)
	err = s.loadEach(ctx, ids, s.workflowKey, func(data string) error {
		var rec WorkflowRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return err
		}
		if filter.matches(&rec) {
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteWorkflow implements Store
func (s *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.workflowKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	cpIDs, err := s.client.ZRange(ctx, s.checkpointWorkflowKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.workflowIndexKey(), id)
	for _, cpID := range cpIDs {
		pipe.Del(ctx, s.checkpointKey(cpID))
		pipe.ZRem(ctx, s.checkpointIndexKey(), cpID)
	}
	pipe.Del(ctx, s.checkpointWorkflowKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// SaveCheckpoint implements Store
func (s *RedisStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	if err := validateCheckpoint(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.checkpointKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.checkpointWorkflowKey(rec.WorkflowID), redis.Z{Score: float64(rec.Seq), Member: rec.ID})
	pipe.ZAdd(ctx, s.checkpointIndexKey(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index checkpoint: %w", err)
	}
	return nil
}

// FindCheckpoint implements Store
func (s *RedisStore) FindCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	if err := s.getJSON(ctx, s.checkpointKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCheckpoints implements Store
func (s *RedisStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*CheckpointRecord, error) {
	ids, err := s.client.ZRange(ctx, s.checkpointWorkflowKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*CheckpointRecord, 0, len(ids))
	err = s.loadEach(ctx, ids, s.checkpointKey, func(data string) error {
		var rec CheckpointRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCheckpoints(out)
	return out, nil
}

// DeleteCheckpointsOlderThan implements Store
func (s *RedisStore) DeleteCheckpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.checkpointIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	expired := make([]*CheckpointRecord, 0, len(ids))
	err = s.loadEach(ctx, ids, s.checkpointKey, func(data string) error {
		var rec CheckpointRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return err
		}
		expired = append(expired, &rec)
		return nil
	})
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	for _, rec := range expired {
		pipe.Del(ctx, s.checkpointKey(rec.ID))
		pipe.ZRem(ctx, s.checkpointWorkflowKey(rec.WorkflowID), rec.ID)
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe.ZRem(ctx, s.checkpointIndexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return int64(len(expired)), nil
}

// SaveUsage implements Store
func (s *RedisStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	if err := validateUsage(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	score := float64(rec.Timestamp.UnixNano())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.usageKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, s.usageIndexKey(), redis.Z{Score: score, Member: rec.ID})
	if rec.UserID != "" {
		pipe.ZAdd(ctx, s.usageUserKey(rec.UserID), redis.Z{Score: score, Member: rec.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// ListUsage implements Store
func (s *RedisStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	key := s.usageIndexKey()
	if filter.UserID != "" {
		key = s.usageUserKey(filter.UserID)
	}
	min := "-inf"
	if !filter.Since.IsZero() {
		min = strconv.FormatInt(filter.Since.UnixNano(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	out := make([]*UsageRecord, 0, len(ids))
	err = s.loadEach(ctx, ids, s.usageKey, func(data string) error {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// DeleteUsageOlderThan implements Store
func (s *RedisStore) DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.usageIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan usage: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var expired []*UsageRecord
	err = s.loadEach(ctx, ids, s.usageKey, func(data string) error {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return err
		}
		expired = append(expired, &rec)
		return nil
	})
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	for _, rec := range expired {
		pipe.Del(ctx, s.usageKey(rec.ID))
		pipe.ZRem(ctx, s.usageIndexKey(), rec.ID)
		if rec.UserID != "" {
			pipe.ZRem(ctx, s.usageUserKey(rec.UserID), rec.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete usage: %w", err)
	}
	return int64(len(expired)), nil
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// loadEach fetches ids with one MGET; index entries whose value has gone are skipped.
func (s *RedisStore) loadEach(ctx context.Context, ids []string, key func(string) string, fn func(string) error) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.logger.Debug("dangling index entry", zap.String("key", keys[i]))
			continue
		}
		if err := fn(str); err != nil {
			return fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
	}
	return nil
}
