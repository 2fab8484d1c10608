package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"economy-guard/internal/model"
)

func checkDockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

// setupRedis starts a Redis container and returns its URL.
func setupRedis(t *testing.T) string {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisPublisher_PublishesEvents(t *testing.T) {
	url := setupRedis(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, url, "test-events")
	require.NoError(t, err)
	defer pub.Close()

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()
	sub := client.Subscribe(ctx, "test-events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	snap := &model.GameStateSnapshot{DivinePoints: 42, MiningLevel: 3}
	events := []model.SecurityEvent{
		model.NewSecurityEvent(7, model.EventSuspicious, "point gain", time.Now(), snap),
		model.NewSecurityEvent(7, model.EventBan, "threshold", time.Now(), nil),
	}
	require.NoError(t, pub.Write(ctx, events))

	ch := sub.Channel()
	for i, want := range events {
		select {
		case msg := <-ch:
			var got eventMessage
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
			assert.Equal(t, want.ID.String(), got.ID)
			assert.Equal(t, want.Type, got.Type)
			assert.Equal(t, int64(7), got.UserID)
			if i == 0 {
				require.NotNil(t, got.Snapshot)
				assert.Equal(t, 42.0, got.Snapshot.DivinePoints)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestNewRedisPublisher_BadURL(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), "://nope", "")
	assert.Error(t, err)
}
