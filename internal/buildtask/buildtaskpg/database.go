package buildtaskpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/backslash/internal/buildtask"
	"github.com/k11v/backslash/internal/postgresutil"
)

var _ buildtask.Database = (*Database)(nil)

type Database struct {
	db postgresutil.Executor // required
}

func NewDatabase(db postgresutil.Executor) *Database {
	return &Database{db: db}
}

// CreateBuild implements buildtask.Database.
func (d *Database) CreateBuild(ctx context.Context, params *buildtask.DatabaseCreateBuildParams) (*buildtask.Build, error) {
	query := `
		INSERT INTO builds (id, project_id, user_id, actor_id, status, engine, main_file)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + buildColumns
	args := []any{params.ID, params.ProjectID, params.UserID, params.ActorID, string(buildtask.StatusQueued), string(params.Engine), params.MainFile}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		if postgresutil.IsUniqueViolation(err, "builds_pkey") {
			return nil, buildtask.ErrIdempotencyKeyAlreadyUsed
		}
		return nil, fmt.Errorf("create build: %w", err)
	}

	return b, nil
}

// GetBuild implements buildtask.Database.
func (d *Database) GetBuild(ctx context.Context, params *buildtask.DatabaseGetBuildParams) (*buildtask.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE id = $1 AND (user_id = $2 OR actor_id = $2)
	`
	args := []any{params.ID, params.UserID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, buildtask.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	return b, nil
}

// GetLatestArtifactBuild implements buildtask.Database.
func (d *Database) GetLatestArtifactBuild(ctx context.Context, params *buildtask.DatabaseGetLatestArtifactBuildParams) (*buildtask.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE project_id = $1 AND (user_id = $2 OR actor_id = $2)
			AND status = 'success' AND pdf_path IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`
	args := []any{params.ProjectID, params.UserID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, buildtask.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get latest artifact build: %w", err)
	}

	return b, nil
}

// ClaimBuild implements buildtask.Database.
func (d *Database) ClaimBuild(ctx context.Context, params *buildtask.DatabaseClaimBuildParams) (*buildtask.Build, error) {
	query := `
		UPDATE builds
		SET status = 'compiling', worker_id = $2, started_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + buildColumns
	args := []any{params.ID, params.WorkerID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, d.explainMiss(ctx, params.ID, buildtask.ErrNotClaimable)
	} else if err != nil {
		return nil, fmt.Errorf("claim build: %w", err)
	}

	return b, nil
}

// FinishBuild implements buildtask.Database.
func (d *Database) FinishBuild(ctx context.Context, params *buildtask.DatabaseFinishBuildParams) (*buildtask.Build, error) {
	query := `
		UPDATE builds
		SET status = $2, logs = $3, duration_ms = $4, exit_code = $5, pdf_path = $6, completed_at = $7
		WHERE id = $1 AND status IN ('queued', 'compiling')
		RETURNING ` + buildColumns
	args := []any{params.ID, string(params.Status), params.Logs, params.DurationMs, params.ExitCode, params.PDFPath, params.CompletedAt}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, d.explainMiss(ctx, params.ID, buildtask.ErrAlreadyFinished)
	} else if err != nil {
		return nil, fmt.Errorf("finish build: %w", err)
	}

	return b, nil
}

// explainMiss tells a missing build from one in the wrong status after a conditional update matched nothing.
func (d *Database) explainMiss(ctx context.Context, id uuid.UUID, wrongStatus error) error {
	query := `SELECT status FROM builds WHERE id = $1`
	args := []any{id}

	rows, _ := d.db.Query(ctx, query, args...)
	_, err := pgx.CollectExactlyOneRow(rows, rowToStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return buildtask.ErrNotFound
	} else if err != nil {
		return err
	}
	return wrongStatus
}

// FailInterruptedBuilds implements buildtask.Database.
func (d *Database) FailInterruptedBuilds(ctx context.Context, params *buildtask.DatabaseFailInterruptedBuildsParams) ([]uuid.UUID, error) {
	query := `
		UPDATE builds
		SET status = 'error', logs = $3, completed_at = $4
		WHERE (status = 'queued' AND created_at < $1)
			OR (status = 'compiling' AND worker_id IS DISTINCT FROM $2)
		RETURNING id
	`
	args := []any{params.StartedAt, params.WorkerID, params.Logs, params.CompletedAt}

	rows, _ := d.db.Query(ctx, query, args...)
	ids, err := pgx.CollectRows(rows, rowToUUID)
	if err != nil {
		return nil, fmt.Errorf("fail interrupted builds: %w", err)
	}

	return ids, nil
}

// Ping implements buildtask.Database.
func (d *Database) Ping(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
