package buildtask

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/multifile"
)

// Storage is the canonical per-owner, per-project file tree.
type Storage interface {
	// ReadProjectTree returns the project files with slash-separated names relative to the project root.
	ReadProjectTree(ctx context.Context, ownerID, projectID uuid.UUID) (*multifile.Reader, error)

	WriteArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string, r io.Reader) error
	ArtifactExists(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (bool, error)

	// OpenArtifact returns the stored artifact or ErrNotFound.
	OpenArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (io.ReadCloser, error)

	// ArtifactPath returns the location recorded as the build's PDF path.
	ArtifactPath(ownerID, projectID uuid.UUID, mainFile string) string

	// Check returns an error if the storage can't currently be reached.
	Check(ctx context.Context) error
}
