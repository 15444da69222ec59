package buildtask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Enqueuer is the broker side of Submit.
// Scheduler implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *Job) error
	BrokerStatus() BrokerStatus
}

// Service accepts compile requests.
type Service struct {
	database Database
	storage  Storage
	executor Executor
	enqueuer Enqueuer
	notifier Notifier
	log      *slog.Logger
}

type NewServiceParams struct {
	Database Database     // required
	Storage  Storage      // required
	Executor Executor     // required
	Enqueuer Enqueuer     // required
	Notifier Notifier     // required
	Log      *slog.Logger // optional
}

func NewService(params *NewServiceParams) *Service {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		database: params.Database,
		storage:  params.Storage,
		executor: params.Executor,
		enqueuer: params.Enqueuer,
		notifier: params.Notifier,
		log:      log.With("component", "service"),
	}
}

// ServiceSubmitParams describes a compile request.
// OwnerStorageID defaults to ActorID, Engine to DefaultEngine and MainFile to DefaultMainFile.
type ServiceSubmitParams struct {
	BuildID        uuid.UUID // required
	ProjectID      uuid.UUID // required
	OwnerStorageID uuid.UUID
	ActorID        uuid.UUID // required
	Engine         Engine
	MainFile       string
}

// Submit creates a queued build and enqueues its job.
// It returns ErrUnavailable without creating anything when the broker or the sandbox is down.
// A repeated BuildID returns the existing build without enqueueing it again,
// or ErrIdempotencyKeyAlreadyUsed when the build belongs to someone else.
func (s *Service) Submit(ctx context.Context, params *ServiceSubmitParams) (*Build, error) {
	j := &Job{
		BuildID:        params.BuildID,
		ProjectID:      params.ProjectID,
		OwnerStorageID: params.OwnerStorageID,
		ActorID:        params.ActorID,
		Engine:         params.Engine,
		MainFile:       params.MainFile,
	}
	if j.OwnerStorageID == uuid.Nil {
		j.OwnerStorageID = j.ActorID
	}
	if j.Engine == "" {
		j.Engine = DefaultEngine
	}
	if j.MainFile == "" {
		j.MainFile = DefaultMainFile
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("buildtask.Service: %w", err)
	}

	if status := s.enqueuer.BrokerStatus(); status != BrokerStatusReady {
		return nil, fmt.Errorf("buildtask.Service: %w: broker is %s", ErrUnavailable, status)
	}
	if err := s.executor.Check(ctx); err != nil {
		return nil, fmt.Errorf("buildtask.Service: %w: %w", ErrUnavailable, err)
	}

	b, err := s.database.CreateBuild(ctx, &DatabaseCreateBuildParams{
		ID:        j.BuildID,
		ProjectID: j.ProjectID,
		UserID:    j.OwnerStorageID,
		ActorID:   j.ActorID,
		Engine:    j.Engine,
		MainFile:  j.MainFile,
	})
	if errors.Is(err, ErrIdempotencyKeyAlreadyUsed) {
		existing, getErr := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: j.BuildID, UserID: j.ActorID})
		if errors.Is(getErr, ErrNotFound) {
			return nil, fmt.Errorf("buildtask.Service: %w", err)
		}
		if getErr != nil {
			return nil, fmt.Errorf("buildtask.Service: %w", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buildtask.Service: %w", err)
	}

	if err = s.enqueuer.Enqueue(ctx, j); err != nil {
		// The build would otherwise stay queued until the next restart.
		_, finishErr := s.database.FinishBuild(ctx, &DatabaseFinishBuildParams{
			ID:          j.BuildID,
			Status:      StatusError,
			Logs:        "Internal compilation error: " + err.Error(),
			CompletedAt: time.Now(),
		})
		if finishErr != nil && !errors.Is(finishErr, ErrAlreadyFinished) {
			s.log.Error("didn't finish unqueued build", "build_id", j.BuildID, "error", finishErr)
		}
		return nil, fmt.Errorf("buildtask.Service: %w: %w", ErrUnavailable, err)
	}

	e := &StatusEvent{
		Type:      EventTypeStatus,
		ProjectID: j.ProjectID,
		BuildID:   j.BuildID,
		ActorID:   j.ActorID,
		Status:    StatusQueued,
	}
	go func() {
		if err := s.notifier.NotifyStatus(context.WithoutCancel(ctx), j.ActorID, e); err != nil {
			s.log.Warn("didn't notify build status", "build_id", j.BuildID, "error", err)
		}
	}()

	s.log.Info("submitted build", "build_id", j.BuildID, "project_id", j.ProjectID, "engine", j.Engine)
	return b, nil
}

// GetBuild returns a build visible to userID.
func (s *Service) GetBuild(ctx context.Context, id, userID uuid.UUID) (*Build, error) {
	b, err := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: id, UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("buildtask.Service: %w", err)
	}
	return b, nil
}

// OpenArtifact returns the artifact of the latest successful build of projectID visible to userID.
// The caller closes the returned reader.
func (s *Service) OpenArtifact(ctx context.Context, projectID, userID uuid.UUID) (*Build, io.ReadCloser, error) {
	b, err := s.database.GetLatestArtifactBuild(ctx, &DatabaseGetLatestArtifactBuildParams{ProjectID: projectID, UserID: userID})
	if err != nil {
		return nil, nil, fmt.Errorf("buildtask.Service: %w", err)
	}
	rc, err := s.storage.OpenArtifact(ctx, b.UserID, b.ProjectID, b.MainFile)
	if err != nil {
		return nil, nil, fmt.Errorf("buildtask.Service: %w", err)
	}
	return b, rc, nil
}
