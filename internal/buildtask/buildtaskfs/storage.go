package buildtaskfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/buildtask"
	"github.com/k11v/backslash/internal/multifile"
)

var _ buildtask.Storage = (*Storage)(nil)

// Storage keeps project trees under <root>/projects/<owner>/<project> on a shared volume.
type Storage struct {
	root string // required
}

func NewStorage(root string) *Storage {
	return &Storage{root: root}
}

func (s *Storage) projectDir(ownerID, projectID uuid.UUID) string {
	return filepath.Join(s.root, "projects", ownerID.String(), projectID.String())
}

// ReadProjectTree implements buildtask.Storage.
// A missing project is an empty tree.
func (s *Storage) ReadProjectTree(ctx context.Context, ownerID, projectID uuid.UUID) (*multifile.Reader, error) {
	dir := s.projectDir(ownerID, projectID)

	names := make([]string, 0)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipAll
			}
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("buildtaskfs.Storage: %w", err)
	}
	sort.Strings(names)

	i := 0
	return multifile.NewReader(func() (string, io.ReadCloser, error) {
		if i >= len(names) {
			return "", nil, io.EOF
		}
		name := names[i]
		i++
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return "", nil, fmt.Errorf("buildtaskfs.Storage: %w", err)
		}
		return name, f, nil
	}), nil
}

// WriteFile writes a project file.
func (s *Storage) WriteFile(ctx context.Context, ownerID, projectID uuid.UUID, name string, r io.Reader) error {
	p := filepath.Join(s.projectDir(ownerID, projectID), filepath.FromSlash(name))
	if err := writeFileAtomic(p, r); err != nil {
		return fmt.Errorf("buildtaskfs.Storage: %w", err)
	}
	return nil
}

// WriteArtifact implements buildtask.Storage.
func (s *Storage) WriteArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string, r io.Reader) error {
	return s.WriteFile(ctx, ownerID, projectID, buildtask.ArtifactName(mainFile), r)
}

// writeFileAtomic writes through a temporary file so that readers never see a partial artifact.
func writeFileAtomic(name string, r io.Reader) (err error) {
	if err = os.MkdirAll(filepath.Dir(name), 0o777); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(f.Name(), 0o666); err != nil {
		return err
	}
	return os.Rename(f.Name(), name)
}

// ArtifactExists implements buildtask.Storage.
func (s *Storage) ArtifactExists(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (bool, error) {
	_, err := os.Stat(s.ArtifactPath(ownerID, projectID, mainFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("buildtaskfs.Storage: %w", err)
	}
	return true, nil
}

// OpenArtifact implements buildtask.Storage.
func (s *Storage) OpenArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (io.ReadCloser, error) {
	f, err := os.Open(s.ArtifactPath(ownerID, projectID, mainFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, buildtask.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("buildtaskfs.Storage: %w", err)
	}
	return f, nil
}

// ArtifactPath implements buildtask.Storage.
func (s *Storage) ArtifactPath(ownerID, projectID uuid.UUID, mainFile string) string {
	return filepath.Join(s.projectDir(ownerID, projectID), filepath.FromSlash(buildtask.ArtifactName(mainFile)))
}

// Check implements buildtask.Storage.
func (s *Storage) Check(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("buildtaskfs.Storage: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("buildtaskfs.Storage: %s isn't a directory", s.root)
	}
	return nil
}
