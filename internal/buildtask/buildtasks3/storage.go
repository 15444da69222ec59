package buildtasks3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/k11v/backslash/internal/apps3"
	"github.com/k11v/backslash/internal/buildtask"
	"github.com/k11v/backslash/internal/multifile"
)

var ErrFileTooLarge = errors.New("file too large")

var _ buildtask.Storage = (*Storage)(nil)

// Storage keeps project trees under projects/<owner>/<project>/ in the application bucket.
type Storage struct {
	client *s3.Client

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int

	// downloadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	downloadPartSize int
}

func NewStorage(client *s3.Client) *Storage {
	return &Storage{
		client:           client,
		uploadPartSize:   10 * 1024 * 1024, // 10MB
		downloadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

func projectPrefix(ownerID, projectID uuid.UUID) string {
	return path.Join("projects", ownerID.String(), projectID.String()) + "/"
}

// ReadProjectTree implements buildtask.Storage.
// Object contents are downloaded lazily as the reader advances.
func (s *Storage) ReadProjectTree(ctx context.Context, ownerID, projectID uuid.UUID) (*multifile.Reader, error) {
	prefix := projectPrefix(ownerID, projectID)

	keys := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &apps3.BucketName,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("buildtasks3.Storage: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			keys = append(keys, *obj.Key)
		}
	}

	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = int64(s.downloadPartSize)
		d.Concurrency = 1
	})

	i := 0
	return multifile.NewReader(func() (string, io.ReadCloser, error) {
		if i >= len(keys) {
			return "", nil, io.EOF
		}
		key := keys[i]
		i++

		pr, pw := io.Pipe()
		go func() {
			// fakeWriterAt needs manager.Downloader.Concurrency set to 1.
			_, err := downloader.Download(ctx, fakeWriterAt{pw}, &s3.GetObjectInput{
				Bucket: &apps3.BucketName,
				Key:    &key,
			})
			_ = pw.CloseWithError(err)
		}()
		return strings.TrimPrefix(key, prefix), pr, nil
	}), nil
}

// WriteFile uploads a project file.
func (s *Storage) WriteFile(ctx context.Context, ownerID, projectID uuid.UUID, name string, r io.Reader) error {
	key := projectPrefix(ownerID, projectID) + name
	if err := s.upload(ctx, key, r, nil); err != nil {
		return fmt.Errorf("buildtasks3.Storage: %w", err)
	}
	return nil
}

// WriteArtifact implements buildtask.Storage.
func (s *Storage) WriteArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string, r io.Reader) error {
	key := s.ArtifactPath(ownerID, projectID, mainFile)
	contentType := "application/pdf"
	if err := s.upload(ctx, key, r, &contentType); err != nil {
		return fmt.Errorf("buildtasks3.Storage: %w", err)
	}
	return nil
}

func (s *Storage) upload(ctx context.Context, key string, r io.Reader, contentType *string) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = int64(s.uploadPartSize)
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &apps3.BucketName,
		Key:         &key,
		Body:        r,
		ContentType: contentType,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrFileTooLarge, err)
		}
		return err
	}

	return s3.NewObjectExistsWaiter(s.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: &apps3.BucketName,
		Key:    &key,
	}, time.Minute)
}

// ArtifactExists implements buildtask.Storage.
func (s *Storage) ArtifactExists(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (bool, error) {
	key := s.ArtifactPath(ownerID, projectID, mainFile)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &apps3.BucketName,
		Key:    &key,
	})
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("buildtasks3.Storage: %w", err)
	}
	return true, nil
}

// OpenArtifact implements buildtask.Storage.
func (s *Storage) OpenArtifact(ctx context.Context, ownerID, projectID uuid.UUID, mainFile string) (io.ReadCloser, error) {
	key := s.ArtifactPath(ownerID, projectID, mainFile)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &apps3.BucketName,
		Key:    &key,
	})
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return nil, buildtask.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("buildtasks3.Storage: %w", err)
	}
	return out.Body, nil
}

// ArtifactPath implements buildtask.Storage.
func (s *Storage) ArtifactPath(ownerID, projectID uuid.UUID, mainFile string) string {
	return projectPrefix(ownerID, projectID) + buildtask.ArtifactName(mainFile)
}

// Check implements buildtask.Storage.
func (s *Storage) Check(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &apps3.BucketName})
	if err != nil {
		return fmt.Errorf("buildtasks3.Storage: %w", err)
	}
	return nil
}

// fakeWriterAt wraps an io.Writer to provide a fake WriteAt method.
// This method simply calls w.Write ignoring the offset parameter.
// It can be used with github.com/aws/aws-sdk-go-v2/feature/s3/manager.Downloader.Download
// if its concurrency is set to 1 because this guarantees the sequential writes.
type fakeWriterAt struct {
	w io.Writer // required
}

func (writerAt fakeWriterAt) WriteAt(p []byte, _ int64) (n int, err error) {
	return writerAt.w.Write(p)
}
