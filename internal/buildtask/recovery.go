package buildtask

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// InterruptedBuildLogs is recorded for builds that a previous process left unfinished.
const InterruptedBuildLogs = "Build interrupted: server restarted. Please recompile."

type RecoverParams struct {
	Database  Database     // required
	StartedAt time.Time    // required
	WorkerID  uuid.UUID    // required
	Log       *slog.Logger // optional
}

// Recover finishes builds left queued or compiling by a previous process as failed.
// Builds queued after StartedAt or claimed by WorkerID are left alone.
func Recover(ctx context.Context, params *RecoverParams) (int, error) {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	ids, err := params.Database.FailInterruptedBuilds(ctx, &DatabaseFailInterruptedBuildsParams{
		StartedAt:   params.StartedAt,
		WorkerID:    params.WorkerID,
		Logs:        InterruptedBuildLogs,
		CompletedAt: time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	if len(ids) > 0 {
		log.Warn("failed interrupted builds", "count", len(ids), "build_ids", ids)
	} else {
		log.Info("found no interrupted builds")
	}
	return len(ids), nil
}
