package buildtaskredis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/k11v/backslash/internal/buildtask"
)

var _ buildtask.Notifier = (*Notifier)(nil)

// Notifier publishes build events as JSON to the Redis channel builds:<actor>.
type Notifier struct {
	client *redis.Client // required
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("buildtaskredis.NewClient: %w", err)
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("buildtaskredis.NewClient: %w", err)
	}
	return client, nil
}

func Channel(actorID uuid.UUID) string {
	return "builds:" + actorID.String()
}

func (n *Notifier) NotifyStatus(ctx context.Context, actorID uuid.UUID, e *buildtask.StatusEvent) error {
	return n.publish(ctx, actorID, e)
}

func (n *Notifier) NotifyCompletion(ctx context.Context, actorID uuid.UUID, e *buildtask.CompletionEvent) error {
	return n.publish(ctx, actorID, e)
}

func (n *Notifier) publish(ctx context.Context, actorID uuid.UUID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("buildtaskredis.Notifier: %w", err)
	}
	if err = n.client.Publish(ctx, Channel(actorID), data).Err(); err != nil {
		return fmt.Errorf("buildtaskredis.Notifier: %w", err)
	}
	return nil
}
