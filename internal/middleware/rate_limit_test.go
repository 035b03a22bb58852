package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func limitedApp(storage fiber.Storage, userID string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals(LocalUserID, userID)
		}
		return c.Next()
	})
	app.Use(RateLimit(RateLimitConfig{Scope: "calls", Max: 2, Window: time.Minute, Storage: storage}))
	app.Post("/calls", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })
	return app
}

func hit(t *testing.T, app *fiber.App) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/calls", nil))
	require.NoError(t, err)
	return resp.StatusCode
}

func TestRateLimitPerUser(t *testing.T) {
	app := limitedApp(nil, "doc-1")

	require.Equal(t, fiber.StatusCreated, hit(t, app))
	require.Equal(t, fiber.StatusCreated, hit(t, app))
	require.Equal(t, fiber.StatusTooManyRequests, hit(t, app))
}

func TestRateLimitSharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage := NewRedisStorage(client, "telecare:ratelimit:")
	nodeA := limitedApp(storage, "pat-7")
	nodeB := limitedApp(storage, "pat-7")

	require.Equal(t, fiber.StatusCreated, hit(t, nodeA))
	require.Equal(t, fiber.StatusCreated, hit(t, nodeB))
	require.Equal(t, fiber.StatusTooManyRequests, hit(t, nodeA))

	other := limitedApp(storage, "pat-8")
	require.Equal(t, fiber.StatusCreated, hit(t, other))
}

func TestRedisStorageRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage := NewRedisStorage(client, "rl:")

	val, err := storage.Get("missing")
	require.NoError(t, err)
	require.Nil(t, val)

	require.NoError(t, storage.Set("a", []byte("1"), time.Minute))
	require.NoError(t, storage.Set("b", []byte("2"), time.Minute))
	require.True(t, mr.Exists("rl:a"))

	val, err = storage.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)

	require.NoError(t, storage.Delete("a"))
	require.False(t, mr.Exists("rl:a"))

	require.NoError(t, mr.Set("unrelated", "x"))
	require.NoError(t, storage.Reset())
	require.False(t, mr.Exists("rl:b"))
	require.True(t, mr.Exists("unrelated"))
}
