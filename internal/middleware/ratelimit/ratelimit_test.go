package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_TokenBucket(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestAllow_Refills(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))

	now = now.Add(30 * time.Second)
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
}

func TestFixedWindow(t *testing.T) {
	f := NewFixedWindow()
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, err := f.Allow(ctx, "1.2.3.4", 100, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "hit %d", i+1)
	}
	ok, _ := f.Allow(ctx, "1.2.3.4", 100, time.Minute)
	assert.False(t, ok, "101st hit in the window is rejected")

	ok, _ = f.Allow(ctx, "5.6.7.8", 100, time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = f.Allow(ctx, "1.2.3.4", 100, time.Minute)
	assert.True(t, ok, "new window")
}
