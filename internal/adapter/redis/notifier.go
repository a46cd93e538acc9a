package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/controlplane/internal/domain"
)

// DefaultChannel is the pub/sub channel notifications are published to.
const DefaultChannel = "controlplane:notifications"

var _ domain.Notifier = (*Notifier)(nil)

// Notifier publishes administrator notifications as JSON on a Redis channel.
type Notifier struct {
	client  *redis.Client
	channel string
}

// Message is the published payload.
type Message struct {
	TenantID  string    `json:"tenant_id"`
	Subdomain string    `json:"subdomain"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotifier creates a notifier from a Redis URL.
func NewNotifier(redisURL, channel string) (*Notifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{client: redis.NewClient(opts), channel: channel}, nil
}

// Channel returns the channel notifications are published to.
func (n *Notifier) Channel() string {
	return n.channel
}

func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	return n.client.Close()
}

// Notify publishes one notification. Having no subscriber is not an error.
func (n *Notifier) Notify(ctx context.Context, note domain.Notification) error {
	payload, err := json.Marshal(Message{
		TenantID:  note.TenantID,
		Subdomain: note.Subdomain,
		Operation: string(note.Operation),
		Message:   note.Message,
		Timestamp: note.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}
