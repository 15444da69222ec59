package apps3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const bucketWaitTimeout = time.Minute

// Setup makes sure BucketName exists.
// It doesn't set a location constraint, so on AWS it only works in us-east-1.
func Setup(ctx context.Context, client *s3.Client, log *slog.Logger) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &BucketName})
	if err == nil {
		log.Info("found bucket", "bucket", BucketName)
		return nil
	}
	if notFound := (*types.NotFound)(nil); !errors.As(err, &notFound) {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &BucketName})
	if owned := (*types.BucketAlreadyOwnedByYou)(nil); err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	waiter := s3.NewBucketExistsWaiter(client)
	if err = waiter.Wait(ctx, &s3.HeadBucketInput{Bucket: &BucketName}, bucketWaitTimeout); err != nil {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	log.Info("created bucket", "bucket", BucketName)
	return nil
}
