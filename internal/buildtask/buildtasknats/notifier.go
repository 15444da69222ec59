package buildtasknats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/k11v/backslash/internal/buildtask"
)

var _ buildtask.Notifier = (*Notifier)(nil)

// Notifier publishes build events as JSON to the NATS subject builds.<actor>.
type Notifier struct {
	conn *nats.Conn // required
}

func NewNotifier(conn *nats.Conn) *Notifier {
	return &Notifier{conn: conn}
}

// Connect connects to a NATS server and keeps reconnecting in the background.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("backslash-worker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("buildtasknats.Connect: %w", err)
	}
	return conn, nil
}

func Subject(actorID uuid.UUID) string {
	return "builds." + actorID.String()
}

func (n *Notifier) NotifyStatus(ctx context.Context, actorID uuid.UUID, e *buildtask.StatusEvent) error {
	return n.publish(actorID, e)
}

func (n *Notifier) NotifyCompletion(ctx context.Context, actorID uuid.UUID, e *buildtask.CompletionEvent) error {
	return n.publish(actorID, e)
}

func (n *Notifier) publish(actorID uuid.UUID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("buildtasknats.Notifier: %w", err)
	}
	if err = n.conn.Publish(Subject(actorID), data); err != nil {
		return fmt.Errorf("buildtasknats.Notifier: %w", err)
	}
	return nil
}
