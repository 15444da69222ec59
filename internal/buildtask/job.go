package buildtask

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrInvalidJob = errors.New("invalid job")

// JobVersion is the payload version written by SendBuildTask implementations.
const JobVersion = 2

// DefaultMainFile is used when a legacy job doesn't name a main file.
const DefaultMainFile = "main.tex"

// Job is a unit of compile work.
type Job struct {
	BuildID        uuid.UUID `json:"build_id" validate:"required"`
	ProjectID      uuid.UUID `json:"project_id" validate:"required"`
	OwnerStorageID uuid.UUID `json:"owner_storage_id" validate:"required"`
	ActorID        uuid.UUID `json:"actor_id" validate:"required"`
	Engine         Engine    `json:"engine" validate:"required,oneof=pdflatex xelatex lualatex latex"`
	MainFile       string    `json:"main_file" validate:"required,relpath"`
}

// jobV2 is the current payload.
// ActorID is optional and defaults to OwnerStorageID.
type jobV2 struct {
	Version        int        `json:"version"`
	BuildID        uuid.UUID  `json:"build_id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	OwnerStorageID uuid.UUID  `json:"owner_storage_id"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	Engine         Engine     `json:"engine"`
	MainFile       string     `json:"main_file"`
}

// jobV1 is the legacy payload without a version field.
// StorageUserID and TriggeredByUserID default to UserID.
type jobV1 struct {
	BuildID           uuid.UUID  `json:"buildId"`
	ProjectID         uuid.UUID  `json:"projectId"`
	UserID            uuid.UUID  `json:"userId"`
	StorageUserID     *uuid.UUID `json:"storageUserId,omitempty"`
	TriggeredByUserID *uuid.UUID `json:"triggeredByUserId,omitempty"`
	Engine            Engine     `json:"engine,omitempty"`
	MainFile          string     `json:"mainFile,omitempty"`
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
		return isRelPath(fl.Field().String())
	})
	if err != nil {
		panic(err)
	}
	return v
}

// isRelPath reports whether p is a slash-separated path inside its root.
func isRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

// Validate checks that j is complete.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	return nil
}

// EncodeJob returns the current payload for j.
func EncodeJob(j *Job) ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	actorID := j.ActorID
	data, err := json.Marshal(jobV2{
		Version:        JobVersion,
		BuildID:        j.BuildID,
		ProjectID:      j.ProjectID,
		OwnerStorageID: j.OwnerStorageID,
		ActorID:        &actorID,
		Engine:         j.Engine,
		MainFile:       j.MainFile,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

// DecodeJob parses a payload of any known version and applies its defaults.
func DecodeJob(data []byte) (*Job, error) {
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode job: %w: %w", ErrInvalidJob, err)
	}

	version := 1
	if header.Version != nil {
		version = *header.Version
	}

	var j *Job
	switch version {
	case 1:
		var msg jobV1
		if err := decodeStrict(data, &msg); err != nil {
			return nil, fmt.Errorf("decode job: %w: %w", ErrInvalidJob, err)
		}
		j = msg.job()
	case 2:
		var msg jobV2
		if err := decodeStrict(data, &msg); err != nil {
			return nil, fmt.Errorf("decode job: %w: %w", ErrInvalidJob, err)
		}
		j = msg.job()
	default:
		return nil, fmt.Errorf("decode job: %w: unknown version %d", ErrInvalidJob, version)
	}

	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

func (msg *jobV1) job() *Job {
	owner := msg.UserID
	if msg.StorageUserID != nil {
		owner = *msg.StorageUserID
	}
	actor := msg.UserID
	if msg.TriggeredByUserID != nil {
		actor = *msg.TriggeredByUserID
	}
	engine := msg.Engine
	if engine == "" {
		engine = DefaultEngine
	}
	mainFile := msg.MainFile
	if mainFile == "" {
		mainFile = DefaultMainFile
	}
	return &Job{
		BuildID:        msg.BuildID,
		ProjectID:      msg.ProjectID,
		OwnerStorageID: owner,
		ActorID:        actor,
		Engine:         engine,
		MainFile:       mainFile,
	}
}

func (msg *jobV2) job() *Job {
	actor := msg.OwnerStorageID
	if msg.ActorID != nil {
		actor = *msg.ActorID
	}
	return &Job{
		BuildID:        msg.BuildID,
		ProjectID:      msg.ProjectID,
		OwnerStorageID: msg.OwnerStorageID,
		ActorID:        actor,
		Engine:         msg.Engine,
		MainFile:       msg.MainFile,
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple top-level values")
	}
	return nil
}

// ArtifactName returns the name of the PDF produced for mainFile.
func ArtifactName(mainFile string) string {
	if strings.HasSuffix(mainFile, ".tex") {
		return strings.TrimSuffix(mainFile, ".tex") + ".pdf"
	}
	return mainFile + ".pdf"
}
