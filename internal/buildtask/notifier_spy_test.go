package buildtask

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

var _ Notifier = (*SpyNotifier)(nil)

type SpyNotifier struct {
	mu          sync.Mutex
	statuses    []*StatusEvent
	completions []*CompletionEvent
}

func (n *SpyNotifier) NotifyStatus(ctx context.Context, actorID uuid.UUID, e *StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, e)
	return nil
}

func (n *SpyNotifier) NotifyCompletion(ctx context.Context, actorID uuid.UUID, e *CompletionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, e)
	return nil
}

func (n *SpyNotifier) Statuses() []*StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*StatusEvent(nil), n.statuses...)
}

func (n *SpyNotifier) Completions() []*CompletionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*CompletionEvent(nil), n.completions...)
}
