package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/repository"
	"github.com/noah-isme/classroom-sync/internal/view"
)

type flakyCacheRepo struct {
	mu     sync.Mutex
	getErr error
	sets   []string
}

func (f *flakyCacheRepo) Get(context.Context, string, interface{}) error { return f.getErr }

func (f *flakyCacheRepo) Set(_ context.Context, key string, _ interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, key)
	return nil
}

func (f *flakyCacheRepo) Delete(context.Context, string) error { return nil }

func TestSnapshotCacheRoundTripAndMetrics(t *testing.T) {
	metrics := NewMetricsService()
	cache := NewSnapshotCache(repository.NewMemoryCacheRepository(), metrics, SnapshotCacheConfig{}, nil)
	ctx := context.Background()

	var out []models.Course
	hit, err := cache.Get(ctx, "courses", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	cache.Set(ctx, "courses", []models.Course{course("A", "t1", 100)})
	hit, err = cache.Get(ctx, "courses", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"A"}, courseIDs(out))

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)

	require.NoError(t, cache.Invalidate(ctx, "courses"))
	hit, err = cache.Get(ctx, "courses", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSnapshotCacheQueuedWrites(t *testing.T) {
	repo := repository.NewMemoryCacheRepository()
	cache := NewSnapshotCache(repo, nil, SnapshotCacheConfig{Workers: 2, Buffer: 8}, nil)
	cache.Start(context.Background())
	defer cache.Stop()

	cache.Set(context.Background(), "documents:c1", []models.Document{document("d1", models.DocumentLink, 1)})
	cache.Flush()

	var docs []models.Document
	hit, err := cache.Get(context.Background(), "documents:c1", &docs)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"d1"}, documentIDs(docs))
	assert.Equal(t, 1, repo.Len())
}

func TestSnapshotCacheUsesPrefixedKeys(t *testing.T) {
	repo := &flakyCacheRepo{}
	cache := NewSnapshotCache(repo, nil, SnapshotCacheConfig{}, nil)
	cache.Set(context.Background(), "courses", []models.Course{})
	assert.Equal(t, []string{"cached_courses"}, repo.sets)
}

func TestSnapshotCacheReportsBackendErrors(t *testing.T) {
	repo := &flakyCacheRepo{getErr: errors.New("redis down")}
	cache := NewSnapshotCache(repo, nil, SnapshotCacheConfig{}, nil)

	var out []models.Course
	hit, err := cache.Get(context.Background(), "courses", &out)
	assert.Error(t, err)
	assert.False(t, hit)
}

func TestSnapshotCacheDisabled(t *testing.T) {
	var nilCache *SnapshotCache
	assert.False(t, nilCache.Enabled())
	hit, err := nilCache.Get(context.Background(), "courses", &[]models.Course{})
	assert.NoError(t, err)
	assert.False(t, hit)
	nilCache.Set(context.Background(), "courses", nil)
	assert.NoError(t, nilCache.Invalidate(context.Background(), "courses"))
	nilCache.Stop()
}

func TestCourseServiceSeedsFromCacheThenGoesLive(t *testing.T) {
	repo := repository.NewMemoryCacheRepository()
	cache := NewSnapshotCache(repo, nil, SnapshotCacheConfig{}, nil)
	cache.Set(context.Background(), "courses", []models.Course{course("cached", "t1", 100)})

	f := newFakeFeed()
	svc := NewCourseService(teacherT1, CourseServiceDeps{Feed: f, Remote: newFakeRemote(), Cache: cache}, CourseServiceConfig{})
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	all := svc.View(CourseViewAll)
	assert.Equal(t, view.StateCached, all.State())
	assert.Equal(t, []string{"cached"}, courseIDs(all.Window()))

	f.emitCourses(t, course("live", "t1", 200))
	assert.Equal(t, view.StateLive, all.State())
	assert.Equal(t, []string{"live"}, courseIDs(all.Window()))

	var persisted []models.Course
	hit, err := cache.Get(context.Background(), "courses", &persisted)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"live"}, courseIDs(persisted))
}
