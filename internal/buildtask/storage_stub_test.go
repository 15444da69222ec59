package buildtask

import (
	"context"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/multifile"
)

var _ Storage = (*StubStorage)(nil)

// StubStorage keeps project files in memory keyed by "owner/project/name".
type StubStorage struct {
	ReadErr  error
	WriteErr error
	CheckErr error

	ArtifactPathFunc func(ownerID, projectID uuid.UUID, mainFile string) string

	mu    sync.Mutex
	files map[string][]byte
}

func NewStubStorage() *StubStorage {
	return &StubStorage{files: make(map[string][]byte)}
}

func stubKey(ownerID, projectID uuid.UUID, name string) string {
	return path.Join(ownerID.String(), projectID.String(), name)
}

func (s *StubStorage) PutFile(ownerID, projectID uuid.UUID, name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[stubKey(ownerID, projectID, name)] = content
}

func (s *StubStorage) File(ownerID, projectID uuid.UUID, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[stubKey(ownerID, projectID, name)]
	return content, ok
}

func (s *StubStorage) ReadProjectTree(ctx context.Context, ownerID, projectID uuid.UUID) (*multifile.Reader, error) {
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := stubKey(ownerID, projectID, "") + "/"
	files := make(map[string][]byte)
	for k, v := range s.files {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			files[name] = v
		}
	}
	return multifile.NewMapReader(files), nil
}

func (s *StubStorage) WriteArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string, r io.Reader) error {
	if s.WriteErr != nil {
		return s.WriteErr
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.PutFile(ownerID, projectID, ArtifactName(mainFile), content)
	return nil
}

func (s *StubStorage) ArtifactExists(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (bool, error) {
	_, ok := s.File(ownerID, projectID, ArtifactName(mainFile))
	return ok, nil
}

func (s *StubStorage) OpenArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (io.ReadCloser, error) {
	content, ok := s.File(ownerID, projectID, ArtifactName(mainFile))
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(content))), nil
}

func (s *StubStorage) ArtifactPath(ownerID, projectID uuid.UUID, mainFile string) string {
	if s.ArtifactPathFunc != nil {
		return s.ArtifactPathFunc(ownerID, projectID, mainFile)
	}
	return "projects/" + stubKey(ownerID, projectID, ArtifactName(mainFile))
}

func (s *StubStorage) Check(ctx context.Context) error {
	return s.CheckErr
}
