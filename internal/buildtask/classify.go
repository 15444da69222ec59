package buildtask

import (
	"github.com/k11v/backslash/internal/texlog"
)

// Outcome is what a finished compile attempt tells about itself.
type Outcome struct {
	ExitCode       int
	TimedOut       bool
	Entries        []texlog.Entry
	ArtifactExists bool
}

// Classify returns the terminal status for o.
// Timeout wins over everything else. A zero exit code isn't enough for success:
// some engines exit 0 without producing a usable artifact.
func Classify(o *Outcome) Status {
	switch {
	case o.TimedOut:
		return StatusTimeout
	case o.ExitCode != 0, texlog.HasErrors(o.Entries), !o.ArtifactExists:
		return StatusError
	default:
		return StatusSuccess
	}
}
