package buildtask

import (
	"context"
	"os"
	"path/filepath"
)

var _ Executor = (*StubExecutor)(nil)

type StubExecutor struct {
	ExecuteFunc func(ctx context.Context, params *ExecuteParams) (*ExecuteResult, error)
	CheckErr    error
}

func (e *StubExecutor) Execute(ctx context.Context, params *ExecuteParams) (*ExecuteResult, error) {
	if e.ExecuteFunc == nil {
		return succeed(ctx, params)
	}
	return e.ExecuteFunc(ctx, params)
}

func (e *StubExecutor) Check(ctx context.Context) error {
	return e.CheckErr
}

// succeed writes the artifact and exits cleanly.
func succeed(_ context.Context, params *ExecuteParams) (*ExecuteResult, error) {
	artifact := filepath.Join(params.WorkspaceDir, filepath.FromSlash(ArtifactName(params.MainFile)))
	if err := os.WriteFile(artifact, []byte("%PDF-1.7"), 0o666); err != nil {
		return nil, err
	}
	return &ExecuteResult{ExitCode: 0, Log: "Output written on main.pdf (1 page).\n"}, nil
}
