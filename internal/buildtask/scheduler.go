package buildtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/texlog"
)

// ArtifactURLFormat formats the download reference of a project's PDF.
const ArtifactURLFormat = "/api/projects/%s/pdf"

const shutdownPollInterval = 500 * time.Millisecond

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	MaxConcurrent int           // default: 4
	PollInterval  time.Duration // default: 1s
	ShutdownGrace time.Duration // default: 30s
	WorkDir       string        // required
}

func (c *SchedulerConfig) maxConcurrent() int {
	n := c.MaxConcurrent
	if n <= 0 {
		n = 4
	}
	return n
}

func (c *SchedulerConfig) pollInterval() time.Duration {
	d := c.PollInterval
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (c *SchedulerConfig) shutdownGrace() time.Duration {
	d := c.ShutdownGrace
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

// Scheduler pulls jobs from a broker and compiles at most MaxConcurrent of them at a time.
type Scheduler struct {
	id       uuid.UUID
	database Database
	storage  Storage
	executor Executor
	notifier Notifier
	dial     BrokerDialer
	metrics  *Metrics
	log      *slog.Logger
	cfg      SchedulerConfig

	recoverOnce sync.Once

	mu             sync.Mutex
	broker         Broker
	running        bool
	startedAt      time.Time
	activeCount    int
	active         map[uuid.UUID]struct{}
	totalProcessed int
	totalErrors    int
	stop           chan struct{}
	loopDone       chan struct{}
}

type NewSchedulerParams struct {
	Database Database        // required
	Storage  Storage         // required
	Executor Executor        // required
	Notifier Notifier        // required
	Dial     BrokerDialer    // required
	Metrics  *Metrics        // optional
	Log      *slog.Logger    // optional
	Config   SchedulerConfig // required
}

func NewScheduler(params *NewSchedulerParams) *Scheduler {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		id:       uuid.New(),
		database: params.Database,
		storage:  params.Storage,
		executor: params.Executor,
		notifier: params.Notifier,
		dial:     params.Dial,
		metrics:  params.Metrics,
		log:      log.With("component", "scheduler"),
		cfg:      params.Config,
		active:   make(map[uuid.UUID]struct{}),
	}
}

// Start attaches the broker, starts startup recovery in the background and starts polling.
// A failed attachment isn't fatal: the scheduler polls nothing until Attach succeeds.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("buildtask.Scheduler: already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	startedAt := s.startedAt
	s.mu.Unlock()

	s.recoverOnce.Do(func() {
		go func() {
			_, err := Recover(context.WithoutCancel(ctx), &RecoverParams{
				Database:  s.database,
				StartedAt: startedAt,
				WorkerID:  s.id,
				Log:       s.log,
			})
			if err != nil {
				s.log.Error("didn't recover interrupted builds", "error", err)
			}
		}()
	})

	if err := s.Attach(ctx); err != nil {
		s.log.Error("didn't attach broker", "error", err)
	}

	go s.loop(ctx)

	s.log.Info(
		"started scheduler",
		"worker_id", s.id,
		"max_concurrent", s.cfg.maxConcurrent(),
		"poll_interval", s.cfg.pollInterval(),
	)
	return nil
}

// Shutdown stops polling and waits for active builds up to the shutdown grace period.
// Builds still active after it are abandoned in place.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	loopDone := s.loopDone
	s.mu.Unlock()

	s.log.Info("shutting down scheduler")
	<-loopDone

	deadline := time.Now().Add(s.cfg.shutdownGrace())
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
wait:
	for s.ActiveJobs() > 0 && time.Now().Before(deadline) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break wait
		}
	}

	if n := s.ActiveJobs(); n > 0 {
		s.log.Warn("shutting down with active builds", "active", n)
	}

	s.Detach()
	return nil
}

// Attach dials a new broker connection if there is none.
func (s *Scheduler) Attach(ctx context.Context) error {
	s.mu.Lock()
	attached := s.broker != nil
	s.mu.Unlock()
	if attached {
		return nil
	}

	b, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("buildtask.Scheduler: %w", err)
	}

	s.mu.Lock()
	if s.broker != nil {
		s.mu.Unlock()
		_ = b.Close()
		return nil
	}
	s.broker = b
	s.mu.Unlock()

	s.log.Info("attached broker")
	return nil
}

// Detach closes the current broker connection.
// Builds already claimed keep running: they no longer need the broker.
func (s *Scheduler) Detach() {
	s.mu.Lock()
	b := s.broker
	s.broker = nil
	s.mu.Unlock()

	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		s.log.Warn("didn't close broker", "error", err)
	}
	s.log.Info("detached broker")
}

// BrokerStatus returns the status of the current broker connection
// or BrokerStatusClosed if there is none.
func (s *Scheduler) BrokerStatus() BrokerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broker == nil {
		return BrokerStatusClosed
	}
	return s.broker.Status()
}

// Enqueue sends j through the current broker connection.
func (s *Scheduler) Enqueue(ctx context.Context, j *Job) error {
	s.mu.Lock()
	b := s.broker
	s.mu.Unlock()
	if b == nil {
		return fmt.Errorf("buildtask.Scheduler: %w", ErrNotAttached)
	}
	if err := b.SendBuildTask(ctx, j); err != nil {
		return fmt.Errorf("buildtask.Scheduler: %w", err)
	}
	return nil
}

// PendingCount returns the queue length if the broker can report it.
func (s *Scheduler) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	b := s.broker
	s.mu.Unlock()
	if b == nil {
		return 0, fmt.Errorf("buildtask.Scheduler: %w", ErrNotAttached)
	}
	counter, ok := b.(PendingCounter)
	if !ok {
		return 0, errors.New("buildtask.Scheduler: broker doesn't count pending tasks")
	}
	return counter.PendingCount(ctx)
}

// ActiveJobs returns the number of builds being processed.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll receives tasks until the queue is empty or the concurrency limit is reached.
// Only poll increments the active count, so the limit can't be exceeded between the check and acquire.
func (s *Scheduler) poll(ctx context.Context) {
	for {
		s.mu.Lock()
		full := !s.running || s.activeCount >= s.cfg.maxConcurrent()
		b := s.broker
		s.mu.Unlock()
		if full || b == nil {
			return
		}

		task, err := b.ReceiveBuildTask(ctx)
		if errors.Is(err, ErrQueueEmpty) {
			return
		}
		if err != nil {
			s.log.Error("didn't receive build task", "error", err)
			return
		}

		if !s.acquire(task) {
			continue
		}
		go s.process(ctx, task)
	}
}

// acquire reserves a slot for task.
// Tasks for a build that is already active in this process are acknowledged and dropped.
func (s *Scheduler) acquire(task *Task) bool {
	id := task.Job.BuildID

	s.mu.Lock()
	running := s.running
	_, duplicate := s.active[id]
	if running && !duplicate {
		s.active[id] = struct{}{}
		s.activeCount++
	}
	s.mu.Unlock()

	switch {
	case !running:
		if err := task.Nack(true); err != nil {
			s.log.Error("didn't nack build task", "build_id", id, "error", err)
		}
		return false
	case duplicate:
		s.log.Warn("skipped duplicate build task", "build_id", id)
		if err := task.Ack(); err != nil {
			s.log.Error("didn't ack build task", "build_id", id, "error", err)
		}
		return false
	}

	s.metrics.setActive(s.ActiveJobs())
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.active, id)
	s.activeCount--
	n := s.activeCount
	s.mu.Unlock()

	s.metrics.setActive(n)
}

func (s *Scheduler) process(ctx context.Context, task *Task) {
	j := task.Job
	log := s.log.With("build_id", j.BuildID, "project_id", j.ProjectID)
	ctx = context.WithoutCancel(ctx)

	defer s.release(j.BuildID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	_, err := s.database.ClaimBuild(ctx, &DatabaseClaimBuildParams{ID: j.BuildID, WorkerID: s.id})
	if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrNotFound) {
		log.Warn("skipped build task", "error", err)
		if ackErr := task.Ack(); ackErr != nil {
			log.Error("didn't ack build task", "error", ackErr)
		}
		return
	}
	if err != nil {
		log.Error("didn't claim build", "error", err)
		if nackErr := task.Nack(true); nackErr != nil {
			log.Error("didn't nack build task", "error", nackErr)
		}
		return
	}

	// The claim is the commitment to process: a redelivered task would be skipped.
	if err = task.Ack(); err != nil {
		log.Error("didn't ack build task", "error", err)
	}

	s.run(ctx, log, j)
}

type compileResult struct {
	ExitCode       int
	Log            string
	TimedOut       bool
	ArtifactExists bool
}

func (s *Scheduler) run(ctx context.Context, log *slog.Logger, j *Job) {
	start := time.Now()
	log.Info("compiling build", "engine", j.Engine, "main_file", j.MainFile)
	s.notifyStatus(ctx, log, j, StatusCompiling)

	// A panic anywhere before the terminal update still finishes the build.
	finished := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic", "panic", r, "stack", string(debug.Stack()))
			if !finished {
				finished = true
				s.fail(ctx, log, j, time.Since(start).Milliseconds(), fmt.Errorf("panic: %v", r))
			}
		}
	}()

	result, err := s.compile(ctx, log, j)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		finished = true
		s.fail(ctx, log, j, durationMs, err)
		return
	}

	entries := texlog.Parse(result.Log)
	status := Classify(&Outcome{
		ExitCode:       result.ExitCode,
		TimedOut:       result.TimedOut,
		Entries:        entries,
		ArtifactExists: result.ArtifactExists,
	})

	var exitCode *int
	if !result.TimedOut {
		exitCode = &result.ExitCode
	}
	var pdfPath, artifactRef *string
	if result.ArtifactExists {
		p := s.storage.ArtifactPath(j.OwnerStorageID, j.ProjectID, j.MainFile)
		pdfPath = &p
		ref := fmt.Sprintf(ArtifactURLFormat, j.ProjectID)
		artifactRef = &ref
	}

	_, err = s.database.FinishBuild(ctx, &DatabaseFinishBuildParams{
		ID:          j.BuildID,
		Status:      status,
		Logs:        result.Log,
		DurationMs:  durationMs,
		ExitCode:    exitCode,
		PDFPath:     pdfPath,
		CompletedAt: time.Now(),
	})
	finished = true
	if errors.Is(err, ErrAlreadyFinished) {
		log.Warn("didn't finish build", "error", err)
		return
	}
	if err != nil {
		s.fail(ctx, log, j, durationMs, fmt.Errorf("finish build: %w", err))
		return
	}

	s.mu.Lock()
	s.totalProcessed++
	s.mu.Unlock()
	s.metrics.observe(status, durationMs)

	s.notifyCompletion(ctx, log, j, &CompletionEvent{
		Type:        EventTypeCompletion,
		ProjectID:   j.ProjectID,
		BuildID:     j.BuildID,
		ActorID:     j.ActorID,
		Status:      status,
		ArtifactRef: artifactRef,
		Logs:        result.Log,
		DurationMs:  durationMs,
		Errors:      texlog.Errors(entries),
	})

	log.Info("finished build", "status", status, "duration_ms", durationMs, "exit_code", result.ExitCode, "timed_out", result.TimedOut)
}

// fail finishes a build whose processing failed for reasons unrelated to its sources.
func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, j *Job, durationMs int64, cause error) {
	msg := cause.Error()
	logs := "Internal compilation error: " + msg
	exitCode := -1

	_, err := s.database.FinishBuild(ctx, &DatabaseFinishBuildParams{
		ID:          j.BuildID,
		Status:      StatusError,
		Logs:        logs,
		DurationMs:  durationMs,
		ExitCode:    &exitCode,
		CompletedAt: time.Now(),
	})
	if err != nil && !errors.Is(err, ErrAlreadyFinished) {
		log.Error("didn't finish failed build", "error", err)
	}

	s.mu.Lock()
	s.totalErrors++
	s.mu.Unlock()
	s.metrics.observeFailure(durationMs)

	s.notifyCompletion(ctx, log, j, &CompletionEvent{
		Type:        EventTypeCompletion,
		ProjectID:   j.ProjectID,
		BuildID:     j.BuildID,
		ActorID:     j.ActorID,
		Status:      StatusError,
		ArtifactRef: nil,
		Logs:        logs,
		DurationMs:  durationMs,
		Errors: []texlog.Entry{{
			Type:    texlog.TypeError,
			File:    "system",
			Line:    0,
			Message: "Compilation infrastructure error: " + msg,
		}},
	})

	log.Error("failed build", "error", cause, "duration_ms", durationMs)
}

// compile runs j in a fresh workspace. The workspace is removed on return,
// including when compile panics.
func (s *Scheduler) compile(ctx context.Context, log *slog.Logger, j *Job) (*compileResult, error) {
	dir := s.workspaceDir(j.BuildID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Error("didn't remove workspace", "dir", dir, "error", err)
		}
	}()

	if err := materializeWorkspace(ctx, s.storage, j, dir); err != nil {
		return nil, fmt.Errorf("materialize workspace: %w", err)
	}

	execResult, err := s.executor.Execute(ctx, &ExecuteParams{
		WorkspaceDir: dir,
		MainFile:     j.MainFile,
		Engine:       j.Engine,
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	produced := false
	if !execResult.TimedOut {
		produced, err = copyArtifact(ctx, s.storage, j, dir)
		if err != nil {
			return nil, fmt.Errorf("copy artifact: %w", err)
		}
	}

	// Canonical storage is authoritative: a failed copy must not pass as success.
	exists := false
	if produced {
		exists, err = s.storage.ArtifactExists(ctx, j.OwnerStorageID, j.ProjectID, j.MainFile)
		if err != nil {
			return nil, fmt.Errorf("check artifact: %w", err)
		}
	}

	return &compileResult{
		ExitCode:       execResult.ExitCode,
		Log:            execResult.Log,
		TimedOut:       execResult.TimedOut,
		ArtifactExists: exists,
	}, nil
}

func (s *Scheduler) workspaceDir(id uuid.UUID) string {
	return filepath.Join(s.cfg.WorkDir, "builds", id.String())
}

func (s *Scheduler) notifyStatus(ctx context.Context, log *slog.Logger, j *Job, status Status) {
	e := &StatusEvent{
		Type:      EventTypeStatus,
		ProjectID: j.ProjectID,
		BuildID:   j.BuildID,
		ActorID:   j.ActorID,
		Status:    status,
	}
	go func() {
		if err := s.notifier.NotifyStatus(ctx, j.ActorID, e); err != nil {
			log.Warn("didn't notify build status", "error", err)
		}
	}()
}

func (s *Scheduler) notifyCompletion(ctx context.Context, log *slog.Logger, j *Job, e *CompletionEvent) {
	go func() {
		if err := s.notifier.NotifyCompletion(ctx, j.ActorID, e); err != nil {
			log.Warn("didn't notify build completion", "error", err)
		}
	}()
}
