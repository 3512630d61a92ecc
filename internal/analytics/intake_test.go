package analytics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballot-guide/backend/internal/cache/redis"
	"github.com/ballot-guide/backend/internal/dispatch"
	"github.com/ballot-guide/backend/internal/middleware/ratelimit"
	"github.com/ballot-guide/backend/internal/storage/models"
)

type memStore struct {
	mu     sync.Mutex
	events []*models.AnalyticsEvent
}

func (m *memStore) InsertAnalyticsEvent(_ context.Context, ev *models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func redisLimiter(t *testing.T) Limiter {
	mr := miniredis.RunT(t)
	c, err := redis.NewClientWithOptions(&goredis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIntake_101stEventInWindowIsRateLimited(t *testing.T) {
	for name, limiter := range map[string]func(t *testing.T) Limiter{
		"memory": func(*testing.T) Limiter { return ratelimit.NewFixedWindow() },
		"redis":  redisLimiter,
	} {
		t.Run(name, func(t *testing.T) {
			store := &memStore{}
			q := dispatch.NewQueue("analytics", 256, 1, time.Second)
			in := NewIntake(limiter(t), store, q, 100, time.Minute)
			ctx := context.Background()

			for i := 0; i < 100; i++ {
				out, err := in.Accept(ctx, "203.0.113.9", Event{Name: "guide_complete"})
				require.NoError(t, err, "event %d", i+1)
				require.Equal(t, Accepted, out)
			}

			_, err := in.Accept(ctx, "203.0.113.9", Event{Name: "guide_complete"})
			assert.ErrorIs(t, err, ErrRateLimited, "throttled, not silently dropped")

			_, err = in.Accept(ctx, "198.51.100.1", Event{Name: "guide_complete"})
			assert.NoError(t, err, "other sources unaffected")

			require.NoError(t, q.Close(context.Background()))
			assert.Equal(t, 101, store.count())
		})
	}
}

func TestIntake_UnknownEventDropped(t *testing.T) {
	store := &memStore{}
	q := dispatch.NewQueue("analytics", 8, 1, time.Second)
	in := NewIntake(ratelimit.NewFixedWindow(), store, q, 100, time.Minute)

	out, err := in.Accept(context.Background(), "203.0.113.9", Event{Name: "<script>"})
	require.NoError(t, err)
	assert.Equal(t, Dropped, out)

	require.NoError(t, q.Close(context.Background()))
	assert.Zero(t, store.count())
}

func TestIntake_LimiterFailureFailsOpen(t *testing.T) {
	q := dispatch.NewQueue("analytics", 8, 1, time.Second)
	defer q.Close(context.Background())
	in := NewIntake(brokenLimiter{}, &memStore{}, q, 100, time.Minute)

	out, err := in.Accept(context.Background(), "203.0.113.9", Event{Name: "share"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
}

func TestSanitizeProps(t *testing.T) {
	props := sanitizeProps(map[string]any{
		"party":  "democrat",
		"count":  float64(3),
		"nested": map[string]any{"x": 1},
		"long":   strings.Repeat("a", 500),
	})
	assert.Equal(t, "democrat", props["party"])
	assert.Equal(t, float64(3), props["count"])
	assert.NotContains(t, props, "nested")
	assert.Len(t, props["long"], maxPropValueLen)
	assert.Nil(t, sanitizeProps(nil))
}
