package buildtasks3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/backslash/internal/apps3"
	"github.com/k11v/backslash/internal/buildtask"
)

func TestStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping storage test in short mode")
	}
	ctx := context.Background()
	storage := NewTestStorage(t, ctx)

	t.Run("reads a project tree", func(t *testing.T) {
		ownerID, projectID := uuid.New(), uuid.New()
		files := map[string]string{
			"main.tex":           `\documentclass{article}`,
			"chapters/intro.tex": "Hello",
			"figures/plot.png":   strings.Repeat("x", 11*1024*1024),
		}
		for name, content := range files {
			if err := storage.WriteFile(ctx, ownerID, projectID, name, strings.NewReader(content)); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}
		if err := storage.WriteFile(ctx, uuid.New(), projectID, "other.tex", strings.NewReader("other")); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		r, err := storage.ReadProjectTree(ctx, ownerID, projectID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer r.Close()

		got := make(map[string]string)
		for r.Read() {
			content, readErr := io.ReadAll(r.Content())
			if readErr != nil {
				t.Fatalf("didn't want %q", readErr)
			}
			got[r.Name()] = string(content)
		}
		if err = r.Err(); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !reflect.DeepEqual(got, files) {
			t.Fatalf("got %d files, want %d", len(got), len(files))
		}
	})

	t.Run("reads an empty project tree", func(t *testing.T) {
		r, err := storage.ReadProjectTree(ctx, uuid.New(), uuid.New())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if r.Read() {
			t.Fatalf("got %q, want no files", r.Name())
		}
		if err = r.Err(); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("writes an artifact", func(t *testing.T) {
		ownerID, projectID := uuid.New(), uuid.New()

		exists, err := storage.ArtifactExists(ctx, ownerID, projectID, "main.tex")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if exists {
			t.Fatal("got existing artifact, want none")
		}

		if err = storage.WriteArtifact(ctx, ownerID, projectID, "main.tex", bytes.NewReader([]byte("%PDF-1.7"))); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		exists, err = storage.ArtifactExists(ctx, ownerID, projectID, "main.tex")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !exists {
			t.Fatal("got no artifact, want one")
		}

		want := fmt.Sprintf("projects/%s/%s/main.pdf", ownerID, projectID)
		if got := storage.ArtifactPath(ownerID, projectID, "main.tex"); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("opens a written artifact", func(t *testing.T) {
		ownerID, projectID := uuid.New(), uuid.New()

		_, err := storage.OpenArtifact(ctx, ownerID, projectID, "main.tex")
		if !errors.Is(err, buildtask.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, buildtask.ErrNotFound)
		}

		if err = storage.WriteArtifact(ctx, ownerID, projectID, "main.tex", bytes.NewReader([]byte("%PDF-1.7"))); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		rc, err := storage.OpenArtifact(ctx, ownerID, projectID, "main.tex")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(content), "%PDF-1.7"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("checks the bucket", func(t *testing.T) {
		if err := storage.Check(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})
}

func NewTestStorage(tb testing.TB, ctx context.Context) *Storage {
	tb.Helper()

	username := "minioadmin"
	password := "minioadmin"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor:   wait.ForHTTP("/minio/health/live").WithPort("9000"),
			Env: map[string]string{
				"MINIO_ROOT_USER":     username,
				"MINIO_ROOT_PASSWORD": password,
			},
			Cmd: []string{"server", "/data"},
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	port, err := c.MappedPort(ctx, "9000/tcp")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	connectionString := fmt.Sprintf("http://%s:%s@%s:%s", username, password, host, port.Port())

	client, err := apps3.NewClient(connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	if err = apps3.Setup(ctx, client, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return NewStorage(client)
}
