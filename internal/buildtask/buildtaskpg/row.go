package buildtaskpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/backslash/internal/buildtask"
)

const buildColumns = `
	id, project_id, user_id, actor_id,
	status, engine, main_file,
	logs, duration_ms, exit_code, pdf_path,
	created_at, started_at, completed_at
`

type row struct {
	ID          uuid.UUID  `db:"id"`
	ProjectID   uuid.UUID  `db:"project_id"`
	UserID      uuid.UUID  `db:"user_id"`
	ActorID     uuid.UUID  `db:"actor_id"`
	Status      string     `db:"status"`
	Engine      string     `db:"engine"`
	MainFile    string     `db:"main_file"`
	Logs        *string    `db:"logs"`
	DurationMs  *int64     `db:"duration_ms"`
	ExitCode    *int       `db:"exit_code"`
	PDFPath     *string    `db:"pdf_path"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*buildtask.Build, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	status, known := buildtask.StatusFromString(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while creating build",
			"status", collectedRow.Status,
			"build_id", collectedRow.ID,
		)
	}

	engine, known := buildtask.EngineFromString(collectedRow.Engine)
	if !known {
		slog.Default().Warn(
			"unknown engine encountered while creating build",
			"engine", collectedRow.Engine,
			"build_id", collectedRow.ID,
		)
	}

	b := &buildtask.Build{
		ID:          collectedRow.ID,
		ProjectID:   collectedRow.ProjectID,
		UserID:      collectedRow.UserID,
		ActorID:     collectedRow.ActorID,
		Status:      status,
		Engine:      engine,
		MainFile:    collectedRow.MainFile,
		Logs:        collectedRow.Logs,
		DurationMs:  collectedRow.DurationMs,
		ExitCode:    collectedRow.ExitCode,
		PDFPath:     collectedRow.PDFPath,
		CreatedAt:   collectedRow.CreatedAt,
		StartedAt:   collectedRow.StartedAt,
		CompletedAt: collectedRow.CompletedAt,
	}
	return b, nil
}

func rowToStatus(collectableRow pgx.CollectableRow) (buildtask.Status, error) {
	collectedRow, err := pgx.RowToStructByPos[struct{ X string }](collectableRow)
	if err != nil {
		return "", fmt.Errorf("row to status: %w", err)
	}
	return buildtask.Status(collectedRow.X), nil
}

func rowToUUID(collectableRow pgx.CollectableRow) (uuid.UUID, error) {
	collectedRow, err := pgx.RowToStructByPos[struct{ X uuid.UUID }](collectableRow)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("row to uuid: %w", err)
	}
	return collectedRow.X, nil
}
