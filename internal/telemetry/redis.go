// Package telemetry publishes security events to Redis pub/sub for downstream
// consumers (dashboards, moderation tooling).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"

	"economy-guard/internal/model"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "economy-guard:security-events"

// RedisPublisher is a security.Sink that PUBLISHes every event as JSON.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(ctx context.Context, redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Redis 7 has no maint_notifications command.
	opts.MaintNotificationsConfig = &maintnotifications.Config{
		Mode: maintnotifications.ModeDisabled,
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// eventMessage is the published wire format.
type eventMessage struct {
	ID        string                   `json:"id"`
	UserID    int64                    `json:"user_id"`
	Type      model.SecurityEventType  `json:"event_type"`
	Details   string                   `json:"details"`
	Timestamp time.Time                `json:"timestamp"`
	Snapshot  *model.GameStateSnapshot `json:"game_state_snapshot,omitempty"`
}

// Name identifies the sink in logs.
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Write publishes events in a single pipeline.
func (p *RedisPublisher) Write(ctx context.Context, events []model.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(eventMessage{
			ID:        ev.ID.String(),
			UserID:    ev.UserID,
			Type:      ev.Type,
			Details:   ev.Details,
			Timestamp: ev.Timestamp,
			Snapshot:  ev.Snapshot,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		pipe.Publish(ctx, p.channel, payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
