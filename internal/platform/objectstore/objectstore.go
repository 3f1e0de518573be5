// Package objectstore wraps the S3-compatible object store used for remote
// audio uploads. Clients never proxy bytes through the API server: uploads go
// directly to the store via pre-signed POST forms and downloads via
// pre-signed GET URLs, both time-limited.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotConfigured indicates missing object-store configuration. It is
// returned before any network call is attempted.
var ErrNotConfigured = errors.New("object store is not configured")

// Config holds the object-store connection settings. Field names map to the
// environment variables reported in validation errors.
type Config struct {
	Endpoint        string // S3_ENDPOINT (optional; empty means AWS)
	Region          string // S3_REGION
	AccessKeyID     string // S3_ACCESS_KEY_ID
	SecretAccessKey string // S3_SECRET_ACCESS_KEY
	Bucket          string // S3_BUCKET_NAME
	UsePathStyle    bool   // S3_USE_PATH_STYLE (MinIO and friends)
}

// Validate reports the first missing required setting by its environment
// variable name. It must be called before constructing a client so that a
// misconfigured store fails fast rather than as a deferred network error.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: S3_BUCKET_NAME is not set", ErrNotConfigured)
	}
	if c.Region == "" {
		return fmt.Errorf("%w: S3_REGION is not set", ErrNotConfigured)
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("%w: S3_ACCESS_KEY_ID is not set", ErrNotConfigured)
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("%w: S3_SECRET_ACCESS_KEY is not set", ErrNotConfigured)
	}
	return nil
}

// PresignedPost describes a pre-signed POST upload authorization: the URL to
// POST the multipart form to, plus the form fields the store requires.
type PresignedPost struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// Store is the capability set the upload subsystem needs from an object
// store. *Client implements it against real S3; tests substitute mocks.
type Store interface {
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (*PresignedPost, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
	Stat(ctx context.Context, key string) (bool, error)
}

// Client issues pre-signed requests against a single bucket.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New validates cfg and constructs a Client. Static credentials are always
// used; the endpoint override and path-style addressing support
// S3-compatible stores such as MinIO.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		api:     api,
		presign: s3.NewPresignClient(api),
		bucket:  cfg.Bucket,
	}, nil
}

// PresignUpload issues a pre-signed POST form for key, valid for ttl.
func (c *Client) PresignUpload(ctx context.Context, key string, ttl time.Duration) (*PresignedPost, error) {
	req, err := c.presign.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return nil, fmt.Errorf("presign upload for %s: %w", key, err)
	}

	return &PresignedPost{URL: req.URL, Fields: req.Values}, nil
}

// PresignDownload issues a pre-signed GET URL for key, valid for ttl.
func (c *Client) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign download for %s: %w", key, err)
	}

	return req.URL, nil
}

// Stat reports whether an object exists at key. A NotFound response is not
// an error.
func (c *Client) Stat(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if _, ok := apiErr.(*types.NotFound); ok {
				return false, nil
			}
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}
