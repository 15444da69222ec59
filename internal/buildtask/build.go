package buildtask

import (
	"time"

	"github.com/google/uuid"
)

// Build is the persisted status projection of a Job.
// Nullable fields stay nil until the build reaches a terminal status.
type Build struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	UserID      uuid.UUID // owner of the project storage
	ActorID     uuid.UUID
	Status      Status
	Engine      Engine
	MainFile    string
	Logs        *string
	DurationMs  *int64
	ExitCode    *int
	PDFPath     *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Status represents the build status as a string.
type Status string

const (
	// StatusQueued indicates that the build waits in the queue.
	StatusQueued Status = "queued"
	// StatusCompiling indicates that a worker has claimed the build.
	StatusCompiling Status = "compiling"
	// StatusSuccess indicates that the build produced its artifact.
	StatusSuccess Status = "success"
	// StatusError indicates that the build failed.
	StatusError Status = "error"
	// StatusTimeout indicates that the build exceeded the compile timeout.
	StatusTimeout Status = "timeout"
)

var statuses = map[Status]struct{}{
	StatusQueued:    {},
	StatusCompiling: {},
	StatusSuccess:   {},
	StatusError:     {},
	StatusTimeout:   {},
}

// StatusFromString converts a string to a Status type and checks if it is a known status.
// It returns the Status and a boolean indicating whether the status is known.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeout
}

// Engine is a LaTeX compiler backend.
type Engine string

const (
	EnginePDFLaTeX Engine = "pdflatex"
	EngineXeLaTeX  Engine = "xelatex"
	EngineLuaLaTeX Engine = "lualatex"
	EngineLaTeX    Engine = "latex"
)

// DefaultEngine is used when a legacy job doesn't name an engine.
const DefaultEngine = EnginePDFLaTeX

var engines = map[Engine]struct{}{
	EnginePDFLaTeX: {},
	EngineXeLaTeX:  {},
	EngineLuaLaTeX: {},
	EngineLaTeX:    {},
}

// EngineFromString converts a string to an Engine and checks if it is a known engine.
func EngineFromString(s string) (engine Engine, known bool) {
	engine = Engine(s)
	_, known = engines[engine]
	return engine, known
}
