package buildtask

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/texlog"
)

// Notifier delivers build events to the clients of an actor.
// Delivery is best-effort: builds are the source of truth.
type Notifier interface {
	NotifyStatus(ctx context.Context, actorID uuid.UUID, e *StatusEvent) error
	NotifyCompletion(ctx context.Context, actorID uuid.UUID, e *CompletionEvent) error
}

const (
	EventTypeStatus     = "build.status"
	EventTypeCompletion = "build.completion"
)

// StatusEvent reports a non-terminal status.
type StatusEvent struct {
	Type      string    `json:"type"`
	ProjectID uuid.UUID `json:"project_id"`
	BuildID   uuid.UUID `json:"build_id"`
	ActorID   uuid.UUID `json:"actor_id"`
	Status    Status    `json:"status"`
}

// CompletionEvent reports a terminal status.
// Errors holds only error diagnostics.
type CompletionEvent struct {
	Type        string         `json:"type"`
	ProjectID   uuid.UUID      `json:"project_id"`
	BuildID     uuid.UUID      `json:"build_id"`
	ActorID     uuid.UUID      `json:"actor_id"`
	Status      Status         `json:"status"`
	ArtifactRef *string        `json:"artifact_ref"`
	Logs        string         `json:"logs"`
	DurationMs  int64          `json:"duration_ms"`
	Errors      []texlog.Entry `json:"errors"`
}

var _ Notifier = (*LogNotifier)(nil)

// LogNotifier writes events to a logger.
// It is used when no event transport is configured.
type LogNotifier struct {
	Log *slog.Logger // required
}

func (n *LogNotifier) NotifyStatus(ctx context.Context, actorID uuid.UUID, e *StatusEvent) error {
	n.Log.InfoContext(ctx, "build status", "actor_id", actorID, "build_id", e.BuildID, "project_id", e.ProjectID, "status", e.Status)
	return nil
}

func (n *LogNotifier) NotifyCompletion(ctx context.Context, actorID uuid.UUID, e *CompletionEvent) error {
	n.Log.InfoContext(ctx, "build completion",
		"actor_id", actorID,
		"build_id", e.BuildID,
		"project_id", e.ProjectID,
		"status", e.Status,
		"duration_ms", e.DurationMs,
		"errors", len(e.Errors),
	)
	return nil
}
