package redisthresh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

type countingRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Threshold
	gets int
}

func (r *countingRepo) Get(_ domain.Context, robotID, metric string) (domain.Threshold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	t, ok := r.rows[robotID+"|"+metric]
	if !ok {
		return domain.Threshold{}, fmt.Errorf("repo: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *countingRepo) ListByRobot(domain.Context, string) ([]domain.Threshold, error) {
	return nil, nil
}

func (r *countingRepo) Upsert(_ domain.Context, t domain.Threshold) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = map[string]domain.Threshold{}
	}
	r.rows[t.RobotID+"|"+t.Metric] = t
	return nil
}

func (r *countingRepo) getCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets
}

func newTestCache(t *testing.T) (*Cache, *countingRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := &countingRepo{rows: map[string]domain.Threshold{
		"r1|cpu_temperature": {RobotID: "r1", Metric: "cpu_temperature", Warn: 60, Crit: 80, Enabled: true},
	}}
	return New(rdb, repo, nil), repo, mr
}

func TestGetReadsThroughAndCaches(t *testing.T) {
	t.Parallel()
	c, repo, _ := newTestCache(t)
	ctx := context.Background()

	got, err := c.Get(ctx, "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Warn)
	assert.Equal(t, 1, repo.getCount())

	// Second read is served from the cache.
	got, err = c.Get(ctx, "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.Crit)
	assert.Equal(t, 1, repo.getCount())
}

func TestGetCachesMisses(t *testing.T) {
	t.Parallel()
	c, repo, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "r1", "light_level")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.Get(ctx, "r1", "light_level")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	// The miss itself is cached; one repo round trip total.
	assert.Equal(t, 1, repo.getCount())
}

func TestInvalidateDropsKeyAndBroadcasts(t *testing.T) {
	t.Parallel()
	c, repo, mr := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "r1", "cpu_temperature")
	require.NoError(t, err)

	// Tune the threshold and invalidate; the next Get rereads.
	require.NoError(t, repo.Upsert(ctx, domain.Threshold{
		RobotID: "r1", Metric: "cpu_temperature", Warn: 65, Crit: 85, Enabled: true,
	}))
	require.NoError(t, c.Invalidate(ctx, "r1", "cpu_temperature"))
	assert.False(t, mr.Exists("thresh:r1:cpu_temperature"))

	got, err := c.Get(ctx, "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 65.0, got.Warn)
	assert.Equal(t, 2, repo.getCount())
}

func TestGetSurvivesRedisDown(t *testing.T) {
	t.Parallel()
	c, _, mr := newTestCache(t)
	mr.Close()

	got, err := c.Get(context.Background(), "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Warn)
}

func TestGetOverwritesCorruptEntry(t *testing.T) {
	t.Parallel()
	c, repo, mr := newTestCache(t)
	require.NoError(t, mr.Set("thresh:r1:cpu_temperature", "{corrupt"))

	got, err := c.Get(context.Background(), "r1", "cpu_temperature")
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Warn)
	assert.Equal(t, 1, repo.getCount())
}

func TestRunDeletesKeysAnnouncedByPeers(t *testing.T) {
	t.Parallel()
	c, _, mr := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Warm the cache, then simulate another replica's invalidation broadcast.
	_, err := c.Get(ctx, "r1", "cpu_temperature")
	require.NoError(t, err)
	require.True(t, mr.Exists("thresh:r1:cpu_temperature"))

	require.Eventually(t, func() bool {
		mr.Publish("thresh.invalidate", "r1|cpu_temperature")
		return !mr.Exists("thresh:r1:cpu_temperature")
	}, 2*time.Second, 20*time.Millisecond)
}
