package buildtask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// materializeWorkspace copies the project tree of j into dir.
// The artifact of a previous build is left out so that only this build can produce it.
func materializeWorkspace(ctx context.Context, storage Storage, j *Job, dir string) error {
	files, err := storage.ReadProjectTree(ctx, j.OwnerStorageID, j.ProjectID)
	if err != nil {
		return err
	}
	defer files.Close()

	artifact := ArtifactName(j.MainFile)
	for files.Read() {
		name := files.Name()
		if name == artifact {
			continue
		}
		if !isRelPath(name) {
			return fmt.Errorf("invalid file name %q", name)
		}

		p := filepath.Join(dir, filepath.FromSlash(name))
		if err = os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
			return err
		}
		if err = writeFile(p, files.Content()); err != nil {
			return err
		}
	}
	return files.Err()
}

func writeFile(name string, r io.Reader) (err error) {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

// copyArtifact writes the artifact produced in dir to canonical storage.
// It reports false if the build produced no artifact.
func copyArtifact(ctx context.Context, storage Storage, j *Job, dir string) (bool, error) {
	f, err := openArtifact(dir, ArtifactName(j.MainFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err = storage.WriteArtifact(ctx, j.OwnerStorageID, j.ProjectID, j.MainFile, f); err != nil {
		return false, err
	}
	return true, nil
}

// openArtifact opens the regular file name inside dir.
// The sandbox writes into dir, so a symlink anywhere along the path or a
// non-regular file is reported as fs.ErrNotExist instead of being followed.
func openArtifact(dir, name string) (*os.File, error) {
	p := dir
	parts := strings.Split(path.Clean(name), "/")
	for i, part := range parts {
		p = filepath.Join(p, part)
		fi, err := os.Lstat(p)
		if err != nil {
			return nil, err
		}
		last := i == len(parts)-1
		if (last && !fi.Mode().IsRegular()) || (!last && !fi.IsDir()) {
			return nil, fmt.Errorf("artifact %q: %w", name, fs.ErrNotExist)
		}
	}

	f, err := os.OpenFile(p, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if errors.Is(err, syscall.ELOOP) {
		return nil, fmt.Errorf("artifact %q: %w", name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("artifact %q: %w", name, fs.ErrNotExist)
	}
	return f, nil
}
