// Package upload pushes evidence assets to object storage.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Uploader stores one object and returns where it can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, name string, body io.Reader, contentType string) (string, error)
}

// S3 uploads with the multipart-capable s3manager.
type S3 struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 builds an uploader for cfg. Static credentials are read from AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY when set; otherwise the SDK's default chain applies.
func NewS3(cfg config.S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(id, secret, os.Getenv("AWS_SESSION_TOKEN"))
	}
	if cfg.Endpoint != "" {
		// MinIO and other S3-compatible gateways
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}

	return &S3{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// Key maps an asset file name to its object key.
func (s *S3) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3) Upload(ctx context.Context, name string, body io.Reader, contentType string) (string, error) {
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(name)),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return out.Location, nil
}
