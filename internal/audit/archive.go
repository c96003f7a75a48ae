package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"automation-workflow-engine/internal/models"
)

// Archiver receives each purged retention batch before deletion.
type Archiver interface {
	Archive(ctx context.Context, key string, events []models.AuditEvent) error
}

// S3Archiver writes purged batches as JSON objects to a compliance bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver wraps an existing S3 client.
func NewS3Archiver(client *s3.Client, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// NewS3Client builds an S3 client, honoring a custom endpoint for
// MinIO-style deployments.
func NewS3Client(ctx context.Context, region, endpoint string, pathStyle bool) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: pathStyle,
					SigningRegion:     region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	}), nil
}

func (a *S3Archiver) Archive(ctx context.Context, key string, events []models.AuditEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal archive batch: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key + ".json"),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put archive object: %w", err)
	}
	return nil
}

// LocalArchiver writes purged batches to a directory, for deployments
// without object storage.
type LocalArchiver struct {
	baseDir string
}

func NewLocalArchiver(baseDir string) *LocalArchiver {
	return &LocalArchiver{baseDir: baseDir}
}

func (a *LocalArchiver) Archive(_ context.Context, key string, events []models.AuditEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal archive batch: %w", err)
	}
	path := filepath.Join(a.baseDir, key+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}
