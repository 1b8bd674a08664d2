package driftline

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MediaUploader delivers a local media file to its remote destination.
type MediaUploader interface {
	Upload(ctx context.Context, remoteEventID, localPath string) error
}

// httpMediaUploader uploads media through the remote store API.
type httpMediaUploader struct {
	remote *RemoteClient
}

// NewHTTPMediaUploader uploads media to the same API that receives events.
func NewHTTPMediaUploader(remote *RemoteClient) MediaUploader {
	return &httpMediaUploader{remote: remote}
}

func (u *httpMediaUploader) Upload(ctx context.Context, remoteEventID, localPath string) error {
	return u.remote.UploadMedia(ctx, remoteEventID, localPath)
}

// s3MediaUploader uploads media to S3-compatible object storage, keyed by
// date and remote event id.
type s3MediaUploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3MediaUploader creates an uploader for cfg. Custom endpoints (MinIO
// and similar) use path-style addressing when configured.
func NewS3MediaUploader(ctx context.Context, cfg S3MediaConfig, logger *slog.Logger) (MediaUploader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &s3MediaUploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

func (u *s3MediaUploader) Upload(ctx context.Context, remoteEventID, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}

	key := path.Join(u.prefix,
		time.Now().UTC().Format("2006/01/02"),
		remoteEventID+filepath.Ext(localPath))

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	u.logger.Debug("media uploaded", "bucket", u.bucket, "key", key, "bytes", info.Size())
	return nil
}

// NewMediaUploader builds the uploader selected by cfg.Media.Target.
func NewMediaUploader(ctx context.Context, cfg Config, remote *RemoteClient, logger *slog.Logger) (MediaUploader, error) {
	switch cfg.Media.Target {
	case "s3":
		return NewS3MediaUploader(ctx, *cfg.Media.S3, logger)
	default:
		return NewHTTPMediaUploader(remote), nil
	}
}
