package buildtask

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("unavailable")

// Executor runs one compile attempt in a sandbox.
type Executor interface {
	// Execute compiles MainFile inside WorkspaceDir.
	// A failing compile isn't an error: errors are returned only when the sandbox itself fails.
	Execute(ctx context.Context, params *ExecuteParams) (*ExecuteResult, error)

	// Check returns an error if Execute can't currently run.
	Check(ctx context.Context) error
}

type ExecuteParams struct {
	WorkspaceDir string // required
	MainFile     string // required
	Engine       Engine // required
}

// ExecuteResult.ExitCode is meaningless when TimedOut is true.
type ExecuteResult struct {
	ExitCode int
	Log      string
	TimedOut bool
}
