package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/database"
)

// SQLStore is a GORM backed Store. It runs on postgres, mysql and sqlite.
type SQLStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// OpenSQLStore opens the configured database, migrates the schema and returns the store.
func OpenSQLStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := newSQLStore(pool, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing GORM handle. The schema is not migrated.
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	poolCfg := database.DefaultPoolConfig()
	poolCfg.HealthCheckInterval = 0
	pool, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, err
	}
	return newSQLStore(pool, logger), nil
}

func newSQLStore(pool *database.PoolManager, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "sql_store")),
	}
}

// Migrate creates or updates the tables
func (s *SQLStore) Migrate(ctx context.Context) error {
	err := s.db(ctx).AutoMigrate(
		&WorkflowRecord{},
		&CheckpointRecord{},
		&UsageRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// SaveWorkflow implements Store
func (s *SQLStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if err := validateWorkflow(rec); err != nil {
		return err
	}
	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if rec.CreatedAt.IsZero() {
			var existing WorkflowRecord
			res := tx.Select("created_at").Where("id = ?", rec.ID).Limit(1).Find(&existing)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				rec.CreatedAt = existing.CreatedAt
			}
		}
		return tx.Save(rec).Error
	})
}

// FindWorkflow implements Store
func (s *SQLStore) FindWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	if err := s.db(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// ListWorkflows implements Store
func (s *SQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	q := s.db(ctx).Model(&WorkflowRecord{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Template != "" {
		q = q.Where("template = ?", filter.Template)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var out []*WorkflowRecord
	if err := q.Order("updated_at DESC").Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// DeleteWorkflow implements Store
func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&WorkflowRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("workflow_id = ?", id).Delete(&CheckpointRecord{}).Error
	})
}

// SaveCheckpoint implements Store
func (s *SQLStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	if err := validateCheckpoint(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&CheckpointRecord{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		return tx.Create(rec).Error
	})
}

// FindCheckpoint implements Store
func (s *SQLStore) FindCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	if err := s.db(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// ListCheckpoints implements Store
func (s *SQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*CheckpointRecord, error) {
	var out []*CheckpointRecord
	err := s.db(ctx).
		Where("workflow_id = ?", workflowID).
		Order("seq ASC").Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// DeleteCheckpointsOlderThan implements Store
func (s *SQLStore) DeleteCheckpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db(ctx).Where("created_at < ?", cutoff).Delete(&CheckpointRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SaveUsage implements Store
func (s *SQLStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	if err := validateUsage(rec); err != nil {
		return err
	}
	if err := s.db(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// ListUsage implements Store
func (s *SQLStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	q := s.db(ctx).Model(&UsageRecord{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("recorded_at >= ?", filter.Since)
	}
	var out []*UsageRecord
	if err := q.Order("recorded_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return out, nil
}

// DeleteUsageOlderThan implements Store
func (s *SQLStore) DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db(ctx).Where("recorded_at < ?", cutoff).Delete(&UsageRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete usage: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping implements Store
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats reports connection pool statistics
func (s *SQLStore) Stats() sql.DBStats {
	return s.pool.Stats()
}

// Close implements Store
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
