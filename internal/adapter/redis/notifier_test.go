package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loomworks/controlplane/internal/adapter/redis"
	"github.com/loomworks/controlplane/internal/domain"
)

// setupRedis spins up a Redis container and returns its URL.
func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return "redis://" + host + ":" + port.Port()
}

func TestNotify_Publishes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRedis(t)
	ctx := context.Background()

	n, err := redis.NewNotifier(url, "")
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Ping(ctx))
	assert.Equal(t, redis.DefaultChannel, n.Channel())

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	subscriber := goredis.NewClient(opts)
	t.Cleanup(func() { subscriber.Close() })
	sub := subscriber.Subscribe(ctx, n.Channel())
	t.Cleanup(func() { sub.Close() })
	_, err = sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, n.Notify(ctx, domain.Notification{
		TenantID:  "t-1",
		Subdomain: "acme",
		Operation: domain.OpSuspend,
		Message:   "active -> suspended",
		Timestamp: at,
	}))

	select {
	case msg := <-sub.Channel():
		var got redis.Message
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "t-1", got.TenantID)
		assert.Equal(t, "suspend", got.Operation)
		assert.True(t, at.Equal(got.Timestamp))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNotify_NoSubscriber(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	n, err := redis.NewNotifier(setupRedis(t), "ops")
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	assert.NoError(t, n.Notify(context.Background(), domain.Notification{TenantID: "t-1"}))
}

func TestNewNotifier_InvalidURL(t *testing.T) {
	_, err := redis.NewNotifier("not-a-url", "")
	assert.Error(t, err)
}

func TestNotify_ServerDown(t *testing.T) {
	n, err := redis.NewNotifier("redis://127.0.0.1:1", "")
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, n.Notify(ctx, domain.Notification{TenantID: "t-1"}))
}
