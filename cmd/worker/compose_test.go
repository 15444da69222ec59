//go:build e2e

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/compose"
)

func TestWorkerCompose(t *testing.T) {
	ctx := context.Background()
	baseURL := NewTestWorker(t, ctx)

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer resp.Body.Close()

	// The sandbox check fails without the compiler image, so only the wired parts are asserted.
	var health struct {
		Runner struct {
			Running         bool `json:"running"`
			BrokerConnected bool `json:"broker_connected"`
		} `json:"runner"`
		PendingJobs *int              `json:"pending_jobs"`
		Checks      map[string]string `json:"checks"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !health.Runner.Running || !health.Runner.BrokerConnected {
		t.Fatalf("got %+v, want a running scheduler with a connected broker", health.Runner)
	}
	for _, name := range []string{"database", "storage", "queue"} {
		if got, want := health.Checks[name], "ok"; got != want {
			t.Fatalf("got %s check %q, want %q", name, got, want)
		}
	}
	if health.PendingJobs == nil || *health.PendingJobs != 0 {
		t.Fatalf("got %v pending jobs, want 0", health.PendingJobs)
	}
}

func NewTestWorker(tb testing.TB, ctx context.Context) (baseURL string) {
	tb.Helper()

	baseURL, teardown, err := SetupWorker(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(func() {
		if err := teardown(); err != nil {
			tb.Errorf("didn't want %q", err)
		}
	})
	return baseURL
}

func SetupWorker(ctx context.Context) (baseURL string, teardown func() error, err error) {
	project, err := compose.NewDockerCompose("../../compose.yaml")
	if err != nil {
		return "", nil, err
	}
	maybeTeardown := func() error {
		return project.Down(ctx, compose.RemoveImagesLocal, compose.RemoveOrphans(true), compose.RemoveVolumes(true))
	}
	defer func() {
		if maybeTeardown != nil {
			_ = maybeTeardown()
		}
	}()

	if err = project.Up(ctx, compose.Wait(true)); err != nil {
		return "", nil, err
	}

	workerContainer, err := project.ServiceContainer(ctx, "worker")
	if err != nil {
		return "", nil, err
	}

	host, err := workerContainer.Host(ctx)
	if err != nil {
		return "", nil, err
	}
	mappedPort, err := workerContainer.MappedPort(ctx, "8080/tcp")
	if err != nil {
		return "", nil, err
	}

	baseURL = fmt.Sprintf("http://%s", net.JoinHostPort(host, mappedPort.Port()))

	teardown = maybeTeardown
	maybeTeardown = nil
	return baseURL, teardown, nil
}
