// Package storage uploads payment proof files and returns their public URLs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/idgen"
)

// MaxFileSize caps a single upload (5 MiB).
const MaxFileSize = 5 << 20

// Folders used by the exchange flows.
const (
	FolderMintProofs = "mint-proofs"
	FolderBurnProofs = "burn-proofs"
)

var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Uploader stores a file and returns the URL it can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, folder, name, contentType string, body io.Reader) (string, error)
}

// objectKey validates the upload and builds "<folder>/<id><ext>".
func objectKey(folder, name, contentType string) (string, error) {
	ext, ok := allowedTypes[strings.ToLower(contentType)]
	if !ok {
		return "", apperr.Validation("unsupported file type %q", contentType)
	}
	if e := strings.ToLower(path.Ext(name)); e != "" && e != ext && !(ext == ".jpg" && e == ".jpeg") {
		return "", apperr.Validation("file extension %q does not match content type", e)
	}
	folder = strings.Trim(folder, "/")
	if folder == "" || strings.Contains(folder, "..") {
		return "", apperr.Validation("invalid upload folder")
	}
	return folder + "/" + idgen.New() + ext, nil
}

// readLimited reads body fully, rejecting empty files and files over MaxFileSize.
func readLimited(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	if len(data) > MaxFileSize {
		return nil, apperr.Validation("file exceeds %d bytes", MaxFileSize)
	}
	return data, nil
}

// S3Config configures an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicURL is the base for returned URLs; defaults to the endpoint
	// plus bucket.
	PublicURL string
}

// S3Uploader puts objects into a bucket.
type S3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Uploader loads AWS configuration and builds the client. Static keys
// take precedence over the default credential chain when set.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})

	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		if cfg.Endpoint != "" {
			public = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			public = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
		}
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket, publicURL: public}, nil
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, folder, name, contentType string, body io.Reader) (string, error) {
	key, err := objectKey(folder, name, contentType)
	if err != nil {
		return "", err
	}
	data, err := readLimited(body)
	if err != nil {
		return "", err
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}
	return u.publicURL + "/" + key, nil
}

// MemoryUploader keeps uploads in memory (development and tests).
type MemoryUploader struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryUploader returns an uploader serving URLs under baseURL.
func NewMemoryUploader(baseURL string) *MemoryUploader {
	return &MemoryUploader{BaseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string][]byte)}
}

// Upload implements Uploader.
func (m *MemoryUploader) Upload(_ context.Context, folder, name, contentType string, body io.Reader) (string, error) {
	key, err := objectKey(folder, name, contentType)
	if err != nil {
		return "", err
	}
	data, err := readLimited(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return m.BaseURL + "/" + key, nil
}

// Object returns a stored upload by URL.
func (m *MemoryUploader) Object(url string) ([]byte, bool) {
	key := strings.TrimPrefix(url, m.BaseURL+"/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (m *MemoryUploader) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
