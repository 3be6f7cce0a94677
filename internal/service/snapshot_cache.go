package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/pkg/cache"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/jobs"
)

const snapshotWriteJob = "snapshot_cache_write"

// CacheRepository abstracts persistence for cached snapshots.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SnapshotCacheConfig tunes the snapshot cache.
type SnapshotCacheConfig struct {
	TTL     time.Duration
	Workers int
	Buffer  int
}

type snapshotWrite struct {
	key   string
	value interface{}
}

// SnapshotCache keeps the last known snapshot of each collection for instant cold starts. Writes are
// queued and never block the caller; the cache is never authoritative once a live snapshot arrives.
type SnapshotCache struct {
	repo    CacheRepository
	metrics *MetricsService
	ttl     time.Duration
	logger  *zap.Logger
	queue   *jobs.Queue
	running atomic.Bool
}

// NewSnapshotCache constructs a snapshot cache. A nil repo disables caching.
func NewSnapshotCache(repo CacheRepository, metrics *MetricsService, cfg SnapshotCacheConfig, logger *zap.Logger) *SnapshotCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SnapshotCache{repo: repo, metrics: metrics, ttl: cfg.TTL, logger: logger}
	c.queue = jobs.NewQueue("snapshot-cache", c.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.Buffer,
		MaxRetries: -1,
		Logger:     logger,
	})
	return c
}

// Start runs the background writers. Before Start, writes happen inline.
func (c *SnapshotCache) Start(ctx context.Context) {
	if c == nil {
		return
	}
	c.queue.Start(ctx)
	c.running.Store(true)
}

// Stop waits for queued writes and stops the writers.
func (c *SnapshotCache) Stop() {
	if c == nil || !c.running.Load() {
		return
	}
	c.queue.Wait()
	c.running.Store(false)
	c.queue.Stop()
}

// Flush blocks until every queued write has been handled.
func (c *SnapshotCache) Flush() {
	if c == nil || !c.running.Load() {
		return
	}
	c.queue.Wait()
}

// Enabled indicates whether caching is active.
func (c *SnapshotCache) Enabled() bool {
	return c != nil && c.repo != nil
}

// Get loads the snapshot cached for a collection key into dest. It reports whether the cache was hit.
func (c *SnapshotCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := c.repo.Get(ctx, cache.Key(key), dest)
	c.metrics.RecordCacheOperation(err == nil, time.Since(start))
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return false, nil
		}
		c.logger.Warn("snapshot cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return true, nil
}

// Set persists value for a collection key without blocking. When the write queue is full the write is dropped;
// the next snapshot will overwrite the entry anyway.
func (c *SnapshotCache) Set(ctx context.Context, key string, value interface{}) {
	if !c.Enabled() {
		return
	}
	if !c.running.Load() {
		if err := c.write(ctx, snapshotWrite{key: key, value: value}); err != nil {
			c.logger.Warn("snapshot cache set failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	c.queue.TryEnqueue(jobs.Job{ID: key, Type: snapshotWriteJob, Payload: snapshotWrite{key: key, value: value}})
}

// Invalidate drops the cached snapshot for a collection key.
func (c *SnapshotCache) Invalidate(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.repo.Delete(ctx, cache.Key(key)); err != nil {
		c.logger.Warn("snapshot cache invalidate failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (c *SnapshotCache) handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(snapshotWrite)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	if err := c.write(ctx, payload); err != nil {
		c.logger.Warn("snapshot cache set failed", zap.String("key", payload.key), zap.Error(err))
		return err
	}
	return nil
}

func (c *SnapshotCache) write(ctx context.Context, w snapshotWrite) error {
	start := time.Now()
	err := c.repo.Set(ctx, cache.Key(w.key), w.value, c.ttl)
	c.metrics.ObserveCacheWrite(time.Since(start))
	return err
}
