package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// snapshotKeyFormat names archive objects by capture time so successive
// snapshots never overwrite each other and sort chronologically in a
// bucket listing.
const snapshotKeyFormat = "20060102T150405Z"

// S3Destination writes each archive snapshot to an S3-compatible bucket as
// a timestamped JSONL object under a fixed key prefix.
type S3Destination struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Destination creates an S3 destination writing under prefix. If
// endpoint is non-empty, path-style addressing is enabled (for MinIO and
// similar).
func NewS3Destination(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Destination{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func snapshotKey(prefix string, now time.Time) string {
	return path.Join(prefix, now.UTC().Format(snapshotKeyFormat)+".jsonl")
}

// Write uploads the snapshot as a new timestamped object.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	key := snapshotKey(d.prefix, d.now())
	contentType := "application/x-ndjson"
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}
