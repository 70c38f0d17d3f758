// Package archive copies audit entries to object storage before the
// retention purge removes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientcore/internal/platform/hipaa"
)

const (
	defaultRegion = "us-east-1"
	contentType   = "application/x-ndjson"
)

// Config selects the bucket and, for S3-compatible stores such as MinIO, a
// custom endpoint. Credentials come from the default AWS chain.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each purge batch as one JSON Lines object.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	logger zerolog.Logger
}

var _ hipaa.Archiver = (*S3Archiver)(nil)

// NewS3Archiver builds an S3 client from cfg.
func NewS3Archiver(ctx context.Context, cfg Config, logger zerolog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Archiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Archiver(client objectPutter, bucket, prefix string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "audit-archive").Logger(),
	}
}

// objectKey places batches under <prefix>/audit/YYYY/MM/DD/ by cutoff date.
func (a *S3Archiver) objectKey(cutoff time.Time) string {
	cutoff = cutoff.UTC()
	name := cutoff.Format("20060102T150405.000000Z") + "-" + uuid.NewString() + ".jsonl"
	return path.Join(a.prefix, "audit", cutoff.Format("2006/01/02"), name)
}

// Archive uploads entries as JSON Lines. An empty batch writes nothing.
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, entries []*hipaa.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
		}
	}

	key := a.objectKey(cutoff)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"entry-count": strconv.Itoa(len(entries)),
			"cutoff":      cutoff.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}

	a.logger.Info().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("entries", len(entries)).
		Msg("audit entries archived")
	return nil
}
