package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Options configures the avatar bucket.
type Options struct {
	Endpoint      string
	UseSSL        bool
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	Region        string
	// URLTTL > 0 switches from public object URLs to presigned GET URLs.
	URLTTL time.Duration
}

// Avatars resolves profile avatar object keys stored in an S3-compatible bucket.
type Avatars struct {
	bucket        string
	publicBaseURL string
	urlTTL        time.Duration
	client        *minio.Client
	logger        *slog.Logger
}

// NewAvatars configures a resolver using the provided endpoint and credentials.
func NewAvatars(opts Options, logger *slog.Logger) (*Avatars, error) {
	cleanEndpoint := strings.TrimSpace(opts.Endpoint)
	if cleanEndpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	minioClient, err := minio.New(parseEndpoint(cleanEndpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(opts.AccessKey), strings.TrimSpace(opts.SecretKey), ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	base := strings.TrimSpace(opts.PublicBaseURL)
	if base == "" {
		base = cleanEndpoint
	}
	return &Avatars{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		urlTTL:        opts.URLTTL,
		client:        minioClient,
		logger:        logger,
	}, nil
}

// AvatarURL returns a loadable URL for key. Absolute URLs are returned unchanged.
func (a *Avatars) AvatarURL(ctx context.Context, key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("s3: object key is required")
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key, nil
	}
	if a.urlTTL <= 0 {
		return a.objectURL(key), nil
	}
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.urlTTL, url.Values{})
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("avatar presign failed", "bucket", a.bucket, "key", key, "error", err)
		}
		return "", fmt.Errorf("s3: presign: %w", err)
	}
	return u.String(), nil
}

// Ping checks that the bucket is reachable.
func (a *Avatars) Ping(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", a.bucket)
	}
	return nil
}

func (a *Avatars) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", a.publicBaseURL, a.bucket, strings.TrimLeft(key, "/"))
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}
