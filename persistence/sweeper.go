package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepConfig defines the retention sweep behavior
type SweepConfig struct {
	// Interval is how often Run sweeps (default: 1h)
	Interval time.Duration
	// CheckpointMaxAge is how long durable checkpoints are kept (default: 7d)
	CheckpointMaxAge time.Duration
	// UsageMaxAge is how long usage records are kept (default: 30d); 0 keeps them forever
	UsageMaxAge time.Duration
}

// DefaultSweepConfig returns the default retention configuration
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:         time.Hour,
		CheckpointMaxAge: 7 * 24 * time.Hour,
		UsageMaxAge:      30 * 24 * time.Hour,
	}
}

// SweepResult reports how many records one sweep removed
type SweepResult struct {
	Checkpoints int64 `json:"checkpoints"`
	Usage       int64 `json:"usage"`
}

// Sweeper periodically removes expired checkpoints and usage records.
type Sweeper struct {
	store  Store
	config SweepConfig
	logger *zap.Logger
	now    func() time.Time
	notify func(SweepResult)
}

// NewSweeper creates a retention sweeper
func NewSweeper(store Store, config SweepConfig, logger *zap.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.CheckpointMaxAge <= 0 {
		config.CheckpointMaxAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "retention_sweeper")),
		now:    time.Now,
	}
}

// OnSweep registers a callback invoked after every successful sweep.
func (s *Sweeper) OnSweep(fn func(SweepResult)) *Sweeper {
	s.notify = fn
	return s
}

// SweepOnce deletes expired checkpoints and usage records concurrently.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.DeleteCheckpointsOlderThan(gctx, now.Add(-s.config.CheckpointMaxAge))
		if err != nil {
			return fmt.Errorf("sweep checkpoints: %w", err)
		}
		res.Checkpoints = n
		return nil
	})
	if s.config.UsageMaxAge > 0 {
		g.Go(func() error {
			n, err := s.store.DeleteUsageOlderThan(gctx, now.Add(-s.config.UsageMaxAge))
			if err != nil {
				return fmt.Errorf("sweep usage: %w", err)
			}
			res.Usage = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	s.logger.Info("retention sweep finished",
		zap.Int64("checkpoints_deleted", res.Checkpoints),
		zap.Int64("usage_deleted", res.Usage),
	)
	if s.notify != nil {
		s.notify(res)
	}
	return res, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}
