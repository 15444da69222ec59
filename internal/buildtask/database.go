package buildtask

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrNotClaimable              = errors.New("not claimable")
	ErrAlreadyFinished           = errors.New("already finished")
	ErrIdempotencyKeyAlreadyUsed = errors.New("idempotency key already used")
)

// Database stores builds.
// Status transitions are conditional so that a status only moves forward.
type Database interface {
	CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error)
	GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error)

	// GetLatestArtifactBuild returns the most recently completed successful build of a project
	// visible to the user. It returns ErrNotFound if there is none.
	GetLatestArtifactBuild(ctx context.Context, params *DatabaseGetLatestArtifactBuildParams) (*Build, error)

	// ClaimBuild moves a queued build to compiling.
	// It returns ErrNotClaimable if the build isn't queued and ErrNotFound if it doesn't exist.
	ClaimBuild(ctx context.Context, params *DatabaseClaimBuildParams) (*Build, error)

	// FinishBuild writes all terminal fields of a queued or compiling build at once.
	// It returns ErrAlreadyFinished if the build is terminal.
	FinishBuild(ctx context.Context, params *DatabaseFinishBuildParams) (*Build, error)

	// FailInterruptedBuilds finishes builds left behind by a previous process.
	FailInterruptedBuilds(ctx context.Context, params *DatabaseFailInterruptedBuildsParams) ([]uuid.UUID, error)

	Ping(ctx context.Context) error
}

type DatabaseCreateBuildParams struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	UserID    uuid.UUID
	ActorID   uuid.UUID
	Engine    Engine
	MainFile  string
}

// DatabaseGetBuildParams selects a build visible to UserID as its owner or actor.
type DatabaseGetBuildParams struct {
	ID     uuid.UUID
	UserID uuid.UUID
}

type DatabaseGetLatestArtifactBuildParams struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
}

// DatabaseClaimBuildParams.WorkerID identifies the claiming scheduler.
type DatabaseClaimBuildParams struct {
	ID       uuid.UUID
	WorkerID uuid.UUID
}

type DatabaseFinishBuildParams struct {
	ID          uuid.UUID
	Status      Status
	Logs        string
	DurationMs  int64
	ExitCode    *int
	PDFPath     *string
	CompletedAt time.Time
}

// DatabaseFailInterruptedBuildsParams selects queued builds created before
// StartedAt and compiling builds claimed by a worker other than WorkerID.
type DatabaseFailInterruptedBuildsParams struct {
	StartedAt   time.Time
	WorkerID    uuid.UUID
	Logs        string
	CompletedAt time.Time
}
