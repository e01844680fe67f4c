// Package archive keeps raw webhook bodies in object storage for replay and audit.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Archiver stores a raw webhook payload.
type Archiver interface {
	Archive(ctx context.Context, phoneNumberID string, raw []byte, receivedAt time.Time) (string, error)
}

// Config holds S3 connection settings.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes payloads under inbound/<phone_number_id>/<date>/<uuid>.json.
type S3Archiver struct {
	client putter
	bucket string
	logger *slog.Logger
}

// NewS3 builds an archiver with static credentials. A custom endpoint
// (minio and friends) switches the client to path-style addressing.
func NewS3(cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("archive credentials are not configured")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	// Dotted bucket names break virtual-host TLS.
	pathStyle := endpoint != "" || strings.Contains(cfg.Bucket, ".")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	logger = logger.With("component", "archive")
	logger.Info("s3 archive initialised", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", endpoint)
	return newWithClient(client, cfg.Bucket, logger), nil
}

func newWithClient(client putter, bucket string, logger *slog.Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, logger: logger}
}

// Archive uploads raw and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, phoneNumberID string, raw []byte, receivedAt time.Time) (string, error) {
	key := ObjectKey(phoneNumberID, receivedAt, uuid.NewString())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	a.logger.Debug("webhook archived", "key", key, "bytes", len(raw))
	return key, nil
}

// ObjectKey builds the storage key for one payload.
func ObjectKey(phoneNumberID string, receivedAt time.Time, id string) string {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		phoneNumberID = "unknown"
	}
	return fmt.Sprintf("inbound/%s/%s/%s.json", phoneNumberID, receivedAt.UTC().Format("2006-01-02"), id)
}
