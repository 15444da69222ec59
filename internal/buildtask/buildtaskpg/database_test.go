package buildtaskpg

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/buildtask"
	"github.com/k11v/backslash/internal/postgrestest"
	"github.com/k11v/backslash/internal/postgresutil"
)

func NewTestDatabase(tb testing.TB, ctx context.Context) *Database {
	tb.Helper()

	connectionString, teardown, err := postgrestest.Setup(ctx)
	tb.Cleanup(func() {
		if teardownErr := teardown(); teardownErr != nil {
			tb.Errorf("didn't want %q", teardownErr)
		}
	})
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	pool, err := postgresutil.NewPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(pool.Close)

	return NewDatabase(pool)
}

func createTestBuild(tb testing.TB, ctx context.Context, database *Database, userID uuid.UUID) *buildtask.Build {
	tb.Helper()
	b, err := database.CreateBuild(ctx, &buildtask.DatabaseCreateBuildParams{
		ID:        uuid.New(),
		ProjectID: uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000"),
		UserID:    userID,
		ActorID:   uuid.MustParse("dddddddd-0000-0000-0000-000000000000"),
		Engine:    buildtask.EnginePDFLaTeX,
		MainFile:  "main.tex",
	})
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return b
}

func TestDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()
	database := NewTestDatabase(t, ctx)
	userID := uuid.MustParse("cccccccc-0000-0000-0000-000000000000")
	actorID := uuid.MustParse("dddddddd-0000-0000-0000-000000000000")

	t.Run("creates and gets a build", func(t *testing.T) {
		b := createTestBuild(t, ctx, database, userID)
		if got, want := b.Status, buildtask.StatusQueued; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		for _, id := range []uuid.UUID{userID, actorID} {
			got, err := database.GetBuild(ctx, &buildtask.DatabaseGetBuildParams{ID: b.ID, UserID: id})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if want := b; !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("doesn't get a build for another user", func(t *testing.T) {
		b := createTestBuild(t, ctx, database, userID)
		_, err := database.GetBuild(ctx, &buildtask.DatabaseGetBuildParams{ID: b.ID, UserID: uuid.New()})
		if !errors.Is(err, buildtask.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrNotFound)
		}
	})

	t.Run("doesn't create a build with a used id", func(t *testing.T) {
		b := createTestBuild(t, ctx, database, userID)
		_, err := database.CreateBuild(ctx, &buildtask.DatabaseCreateBuildParams{
			ID:        b.ID,
			ProjectID: b.ProjectID,
			UserID:    b.UserID,
			ActorID:   b.ActorID,
			Engine:    b.Engine,
			MainFile:  b.MainFile,
		})
		if !errors.Is(err, buildtask.ErrIdempotencyKeyAlreadyUsed) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrIdempotencyKeyAlreadyUsed)
		}
	})

	t.Run("claims a queued build once", func(t *testing.T) {
		b := createTestBuild(t, ctx, database, userID)
		workerID := uuid.New()

		claimed, err := database.ClaimBuild(ctx, &buildtask.DatabaseClaimBuildParams{ID: b.ID, WorkerID: workerID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := claimed.Status, buildtask.StatusCompiling; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if claimed.StartedAt == nil {
			t.Fatal("got nil StartedAt")
		}

		_, err = database.ClaimBuild(ctx, &buildtask.DatabaseClaimBuildParams{ID: b.ID, WorkerID: workerID})
		if !errors.Is(err, buildtask.ErrNotClaimable) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrNotClaimable)
		}
	})

	t.Run("doesn't claim a missing build", func(t *testing.T) {
		_, err := database.ClaimBuild(ctx, &buildtask.DatabaseClaimBuildParams{ID: uuid.New(), WorkerID: uuid.New()})
		if !errors.Is(err, buildtask.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrNotFound)
		}
	})

	t.Run("finishes a build once with all terminal fields", func(t *testing.T) {
		b := createTestBuild(t, ctx, database, userID)
		if _, err := database.ClaimBuild(ctx, &buildtask.DatabaseClaimBuildParams{ID: b.ID, WorkerID: uuid.New()}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		exitCode := 0
		pdfPath := "projects/x/main.pdf"
		completedAt := time.Now().UTC().Truncate(time.Microsecond)
		finished, err := database.FinishBuild(ctx, &buildtask.DatabaseFinishBuildParams{
			ID:          b.ID,
			Status:      buildtask.StatusSuccess,
			Logs:        "Output written on main.pdf",
			DurationMs:  1234,
			ExitCode:    &exitCode,
			PDFPath:     &pdfPath,
			CompletedAt: completedAt,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := finished.Status, buildtask.StatusSuccess; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if finished.Logs == nil || finished.DurationMs == nil || finished.ExitCode == nil || finished.PDFPath == nil || finished.CompletedAt == nil {
			t.Fatalf("got %+v, want all terminal fields", finished)
		}
		if got, want := *finished.DurationMs, int64(1234); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		if got, want := *finished.CompletedAt, completedAt; !got.Equal(want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		_, err = database.FinishBuild(ctx, &buildtask.DatabaseFinishBuildParams{
			ID:          b.ID,
			Status:      buildtask.StatusError,
			CompletedAt: time.Now(),
		})
		if !errors.Is(err, buildtask.ErrAlreadyFinished) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrAlreadyFinished)
		}
	})

	t.Run("finishes a timed out build without an exit code", func(t *testing.T) {
		b := createTestBuild(t, ctx, database, userID)
		finished, err := database.FinishBuild(ctx, &buildtask.DatabaseFinishBuildParams{
			ID:          b.ID,
			Status:      buildtask.StatusTimeout,
			Logs:        "partial",
			DurationMs:  60000,
			CompletedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if finished.ExitCode != nil {
			t.Fatalf("got %d, want nil", *finished.ExitCode)
		}
	})
}

func TestDatabaseFailInterruptedBuilds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()
	database := NewTestDatabase(t, ctx)
	userID := uuid.MustParse("cccccccc-0000-0000-0000-000000000000")
	workerID := uuid.New()

	staleQueued := createTestBuild(t, ctx, database, userID)
	staleCompiling := createTestBuild(t, ctx, database, userID)
	if _, err := database.ClaimBuild(ctx, &buildtask.DatabaseClaimBuildParams{ID: staleCompiling.ID, WorkerID: uuid.New()}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	time.Sleep(20 * time.Millisecond)

	freshQueued := createTestBuild(t, ctx, database, userID)
	// Server clock, not ours: created_at comes from now().
	startedAt := staleCompiling.CreatedAt.Add(freshQueued.CreatedAt.Sub(staleCompiling.CreatedAt) / 2)
	ownCompiling := createTestBuild(t, ctx, database, userID)
	if _, err := database.ClaimBuild(ctx, &buildtask.DatabaseClaimBuildParams{ID: ownCompiling.ID, WorkerID: workerID}); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	ids, err := database.FailInterruptedBuilds(ctx, &buildtask.DatabaseFailInterruptedBuildsParams{
		StartedAt:   startedAt,
		WorkerID:    workerID,
		Logs:        buildtask.InterruptedBuildLogs,
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := len(ids), 2; got != want {
		t.Fatalf("got %d ids, want %d", got, want)
	}

	want := map[uuid.UUID]buildtask.Status{
		staleQueued.ID:    buildtask.StatusError,
		staleCompiling.ID: buildtask.StatusError,
		freshQueued.ID:    buildtask.StatusQueued,
		ownCompiling.ID:   buildtask.StatusCompiling,
	}
	for id, status := range want {
		b, err := database.GetBuild(ctx, &buildtask.DatabaseGetBuildParams{ID: id, UserID: userID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if b.Status != status {
			t.Fatalf("got %q for %v, want %q", b.Status, id, status)
		}
	}
}

func TestDatabaseGetLatestArtifactBuild(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()
	database := NewTestDatabase(t, ctx)
	userID := uuid.MustParse("cccccccc-0000-0000-0000-000000000000")
	projectID := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")

	finish := func(t *testing.T, b *buildtask.Build, status buildtask.Status, completedAt time.Time) {
		t.Helper()
		var pdfPath *string
		if status == buildtask.StatusSuccess {
			p := "projects/x/main.pdf"
			pdfPath = &p
		}
		_, err := database.FinishBuild(ctx, &buildtask.DatabaseFinishBuildParams{
			ID:          b.ID,
			Status:      status,
			PDFPath:     pdfPath,
			CompletedAt: completedAt,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}

	t.Run("doesn't find an artifact before any successful build", func(t *testing.T) {
		createTestBuild(t, ctx, database, userID)
		_, err := database.GetLatestArtifactBuild(ctx, &buildtask.DatabaseGetLatestArtifactBuildParams{ProjectID: projectID, UserID: userID})
		if !errors.Is(err, buildtask.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrNotFound)
		}
	})

	t.Run("returns the most recently completed successful build", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		older := createTestBuild(t, ctx, database, userID)
		newer := createTestBuild(t, ctx, database, userID)
		failed := createTestBuild(t, ctx, database, userID)
		finish(t, newer, buildtask.StatusSuccess, now.Add(-time.Minute))
		finish(t, older, buildtask.StatusSuccess, now.Add(-time.Hour))
		finish(t, failed, buildtask.StatusError, now)

		got, err := database.GetLatestArtifactBuild(ctx, &buildtask.DatabaseGetLatestArtifactBuildParams{ProjectID: projectID, UserID: userID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.ID != newer.ID {
			t.Fatalf("got %v, want %v", got.ID, newer.ID)
		}
	})

	t.Run("doesn't return an artifact to another user", func(t *testing.T) {
		_, err := database.GetLatestArtifactBuild(ctx, &buildtask.DatabaseGetLatestArtifactBuildParams{ProjectID: projectID, UserID: uuid.New()})
		if !errors.Is(err, buildtask.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrNotFound)
		}
	})
}
