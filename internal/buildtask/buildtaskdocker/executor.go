package buildtaskdocker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/k11v/backslash/internal/buildtask"
)

var ErrImageNotFound = errors.New("image not found")

// DefaultImage is the compiler image with TeX Live and latexmk.
const DefaultImage = "backslash-compiler"

const workspaceTarget = "/workspace"

// killedExitCode is what a container killed with SIGKILL reports.
const killedExitCode = 137

var _ buildtask.Executor = (*Executor)(nil)

type Config struct {
	Image       string        // default: DefaultImage
	Timeout     time.Duration // default: 60s
	MemoryBytes int64         // default: 1GiB
	PidsLimit   int64         // default: 256

	// WorkDir and HostWorkDir translate workspace paths when the worker itself runs in a container
	// and shares WorkDir with the daemon's host as HostWorkDir.
	WorkDir     string // optional
	HostWorkDir string // optional
}

func (c *Config) image() string {
	if c.Image == "" {
		return DefaultImage
	}
	return c.Image
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}

func (c *Config) memoryBytes() int64 {
	if c.MemoryBytes <= 0 {
		return 1 << 30
	}
	return c.MemoryBytes
}

func (c *Config) pidsLimit() int64 {
	if c.PidsLimit <= 0 {
		return 256
	}
	return c.PidsLimit
}

// CommandFunc returns the container command for a compile.
type CommandFunc func(engine buildtask.Engine, mainFile string) []string

// Executor runs compiles in throwaway Docker containers.
type Executor struct {
	cli     client.APIClient
	cfg     Config
	command CommandFunc
	log     *slog.Logger
}

type NewExecutorParams struct {
	Client  client.APIClient // required
	Config  Config           // optional
	Command CommandFunc      // default: LatexmkCommand
	Log     *slog.Logger     // optional
}

func NewExecutor(params *NewExecutorParams) *Executor {
	command := params.Command
	if command == nil {
		command = LatexmkCommand
	}
	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cli:     params.Client,
		cfg:     params.Config,
		command: command,
		log:     log.With("component", "executor"),
	}
}

// NewClient returns a Docker client configured from the environment.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// LatexmkCommand compiles mainFile with latexmk and the flag for engine.
func LatexmkCommand(engine buildtask.Engine, mainFile string) []string {
	var flag string
	switch engine {
	case buildtask.EngineXeLaTeX:
		flag = "-xelatex"
	case buildtask.EngineLuaLaTeX:
		flag = "-lualatex"
	case buildtask.EngineLaTeX:
		flag = "-pdfdvi"
	default:
		flag = "-pdf"
	}
	return []string{
		"latexmk",
		flag,
		"-interaction=nonstopmode",
		"-file-line-error",
		"-halt-on-error",
		mainFile,
	}
}

// Execute implements buildtask.Executor.
func (e *Executor) Execute(ctx context.Context, params *buildtask.ExecuteParams) (*buildtask.ExecuteResult, error) {
	source, err := e.hostPath(params.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("buildtaskdocker.Executor: %w", err)
	}

	pidsLimit := e.cfg.pidsLimit()
	created, err := e.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        e.cfg.image(),
			Cmd:          strslice.StrSlice(e.command(params.Engine, params.MainFile)),
			WorkingDir:   workspaceTarget,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			NetworkMode: "none",
			CapDrop:     strslice.StrSlice{"ALL"},
			CapAdd: strslice.StrSlice{ // https://github.com/moby/moby/blob/master/oci/caps/defaults.go#L6-L19
				"CAP_CHOWN",
				"CAP_DAC_OVERRIDE",
				"CAP_FSETID",
				"CAP_FOWNER",
				"CAP_MKNOD",
				"CAP_NET_RAW",
				"CAP_SETGID",
				"CAP_SETUID",
				"CAP_SETFCAP",
				"CAP_SETPCAP",
				"CAP_NET_BIND_SERVICE",
				"CAP_SYS_CHROOT",
				"CAP_KILL",
				"CAP_AUDIT_WRITE",
			},
			ReadonlyRootfs: true,
			Mounts: []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: source,
					Target: workspaceTarget,
				},
				{
					Type:   mount.TypeTmpfs,
					Target: "/tmp",
					TmpfsOptions: &mount.TmpfsOptions{
						SizeBytes: 256 * 1024 * 1024, // 256MB
						Mode:      0o1777,
					},
				},
			},
			Resources: container.Resources{
				Memory:    e.cfg.memoryBytes(),
				PidsLimit: &pidsLimit,
			},
		},
		nil,
		nil,
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("buildtaskdocker.Executor: %w", err)
	}
	log := e.log.With("container_id", created.ID)
	if len(created.Warnings) > 0 {
		log.Warn("created container with warnings", "warnings", created.Warnings)
	}
	defer func() {
		removeErr := e.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			log.Error("didn't remove container", "error", removeErr)
		}
	}()

	conn, err := e.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("buildtaskdocker.Executor: %w", err)
	}
	defer conn.Close()

	logBuf := &bytes.Buffer{}
	logDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(logBuf, logBuf, conn.Reader)
		logDone <- copyErr
	}()

	if err = e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("buildtaskdocker.Executor: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.timeout())
	defer cancel()

	timedOut := false
	exitCode := 0
	waitCh, errCh := e.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("buildtaskdocker.Executor: %s", resp.Error.Message)
		}
		exitCode = int(resp.StatusCode)
	case err = <-errCh:
		if ctx.Err() != nil || !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("buildtaskdocker.Executor: %w", err)
		}
		log.Warn("killing timed out container", "timeout", e.cfg.timeout())
		killErr := e.cli.ContainerKill(context.WithoutCancel(ctx), created.ID, "KILL")
		if killErr != nil && !errdefs.IsConflict(killErr) && !errdefs.IsNotFound(killErr) {
			return nil, fmt.Errorf("buildtaskdocker.Executor: %w", killErr)
		}
		timedOut = true
		exitCode = killedExitCode
	}

	if err = <-logDone; err != nil && !timedOut {
		return nil, fmt.Errorf("buildtaskdocker.Executor: read logs: %w", err)
	}

	return &buildtask.ExecuteResult{
		ExitCode: exitCode,
		Log:      logBuf.String(),
		TimedOut: timedOut,
	}, nil
}

// Check implements buildtask.Executor.
func (e *Executor) Check(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("buildtaskdocker.Executor: %w", err)
	}
	_, _, err := e.cli.ImageInspectWithRaw(ctx, e.cfg.image())
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("buildtaskdocker.Executor: %w: %s", ErrImageNotFound, e.cfg.image())
	}
	if err != nil {
		return fmt.Errorf("buildtaskdocker.Executor: %w", err)
	}
	return nil
}

// hostPath returns the bind mount source for dir as the daemon sees it.
func (e *Executor) hostPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if e.cfg.WorkDir == "" || e.cfg.HostWorkDir == "" {
		return abs, nil
	}

	workDir, err := filepath.Abs(e.cfg.WorkDir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(workDir, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace %s is outside of %s", abs, workDir)
	}
	return filepath.Join(e.cfg.HostWorkDir, rel), nil
}
