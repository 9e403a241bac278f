package analytics

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flowbill/entitlements/internal/config"
	ierr "github.com/flowbill/entitlements/internal/errors"
)

// Quarantine archives a record this pipeline could not land in the
// sink after repeated flush failures, so the buffer can drop it and
// keep making progress instead of head-of-line blocking forever.
type Quarantine interface {
	Archive(ctx context.Context, kind string, idempotenceKey string, payload []byte) error
}

// S3Quarantine writes one object per quarantined record under
// "{kind}/{idempotenceKey}.json".
type S3Quarantine struct {
	client *s3.Client
	bucket string
}

func NewS3Quarantine(ctx context.Context, cfg *config.Configuration) (*S3Quarantine, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	return &S3Quarantine{client: s3.NewFromConfig(awsCfg), bucket: cfg.Analytics.QuarantineBucket}, nil
}

func (q *S3Quarantine) Archive(ctx context.Context, kind, idempotenceKey string, payload []byte) error {
	key := fmt.Sprintf("%s/%s.json", kind, idempotenceKey)
	_, err := q.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(q.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return ierr.WithError(err).WithHint("failed to archive quarantined record to s3").Mark(ierr.ErrSystem)
	}
	return nil
}

// NoopQuarantine drops quarantined records on the floor, logging is
// the caller's responsibility; used when no bucket is configured.
type NoopQuarantine struct{}

func (NoopQuarantine) Archive(context.Context, string, string, []byte) error { return nil }
