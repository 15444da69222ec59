package buildtask

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	callCreateBuild           = "CreateBuild"
	callGetBuild              = "GetBuild"
	callGetLatestArtifact     = "GetLatestArtifactBuild"
	callClaimBuild            = "ClaimBuild"
	callFinishBuild           = "FinishBuild"
	callFailInterruptedBuilds = "FailInterruptedBuilds"
)

var _ Database = (*SpyDatabase)(nil)

// SpyDatabase is an in-memory Database that records its calls.
type SpyDatabase struct {
	ClaimErr  error
	FinishErr error

	mu      sync.Mutex
	builds  map[uuid.UUID]*Build
	workers map[uuid.UUID]uuid.UUID
	calls   []string
}

func NewSpyDatabase() *SpyDatabase {
	return &SpyDatabase{
		builds:  make(map[uuid.UUID]*Build),
		workers: make(map[uuid.UUID]uuid.UUID),
	}
}

func (d *SpyDatabase) Put(b *Build) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := *b
	d.builds[b.ID] = &c
}

func (d *SpyDatabase) Build(id uuid.UUID) *Build {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.builds[id]
	if !ok {
		return nil
	}
	c := *b
	return &c
}

func (d *SpyDatabase) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *SpyDatabase) appendCalls(c ...string) {
	d.calls = append(d.calls, c...)
}

func (d *SpyDatabase) CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callCreateBuild)

	if _, ok := d.builds[params.ID]; ok {
		return nil, ErrIdempotencyKeyAlreadyUsed
	}
	b := &Build{
		ID:        params.ID,
		ProjectID: params.ProjectID,
		UserID:    params.UserID,
		ActorID:   params.ActorID,
		Status:    StatusQueued,
		Engine:    params.Engine,
		MainFile:  params.MainFile,
		CreatedAt: time.Now(),
	}
	d.builds[b.ID] = b
	c := *b
	return &c, nil
}

func (d *SpyDatabase) GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callGetBuild)

	b, ok := d.builds[params.ID]
	if !ok || (b.UserID != params.UserID && b.ActorID != params.UserID) {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (d *SpyDatabase) GetLatestArtifactBuild(ctx context.Context, params *DatabaseGetLatestArtifactBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callGetLatestArtifact)

	var latest *Build
	for _, b := range d.builds {
		if b.ProjectID != params.ProjectID || (b.UserID != params.UserID && b.ActorID != params.UserID) {
			continue
		}
		if b.Status != StatusSuccess || b.PDFPath == nil || b.CompletedAt == nil {
			continue
		}
		if latest == nil || b.CompletedAt.After(*latest.CompletedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (d *SpyDatabase) ClaimBuild(ctx context.Context, params *DatabaseClaimBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callClaimBuild)

	if d.ClaimErr != nil {
		return nil, d.ClaimErr
	}
	b, ok := d.builds[params.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != StatusQueued {
		return nil, ErrNotClaimable
	}
	now := time.Now()
	b.Status = StatusCompiling
	b.StartedAt = &now
	d.workers[b.ID] = params.WorkerID
	c := *b
	return &c, nil
}

func (d *SpyDatabase) FinishBuild(ctx context.Context, params *DatabaseFinishBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callFinishBuild)

	if d.FinishErr != nil {
		return nil, d.FinishErr
	}
	b, ok := d.builds[params.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status.Terminal() {
		return nil, ErrAlreadyFinished
	}
	logs := params.Logs
	durationMs := params.DurationMs
	completedAt := params.CompletedAt
	b.Status = params.Status
	b.Logs = &logs
	b.DurationMs = &durationMs
	b.ExitCode = params.ExitCode
	b.PDFPath = params.PDFPath
	b.CompletedAt = &completedAt
	c := *b
	return &c, nil
}

func (d *SpyDatabase) FailInterruptedBuilds(ctx context.Context, params *DatabaseFailInterruptedBuildsParams) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callFailInterruptedBuilds)

	ids := make([]uuid.UUID, 0)
	for id, b := range d.builds {
		interrupted := (b.Status == StatusQueued && b.CreatedAt.Before(params.StartedAt)) ||
			(b.Status == StatusCompiling && d.workers[id] != params.WorkerID)
		if !interrupted {
			continue
		}
		logs := params.Logs
		completedAt := params.CompletedAt
		b.Status = StatusError
		b.Logs = &logs
		b.CompletedAt = &completedAt
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *SpyDatabase) Ping(ctx context.Context) error {
	return nil
}
