package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openelev/demjobs/pkg/storage"
)

// Client implements storage.Store against S3.
type Client struct {
	client *awss3.Client
}

var _ storage.Store = (*Client)(nil)

// New creates an S3 store with the given configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	opts := []func(*awss3.Options){
		func(o *awss3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Client{client: awss3.NewFromConfig(awsCfg, opts...)}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.Head(ctx, bucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) Head(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	out, err := c.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("Head", bucket, key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         cleanETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

func (c *Client) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	input := &awss3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var infos []storage.ObjectInfo
	paginator := awss3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("List", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, storage.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         cleanETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

func (c *Client) Download(ctx context.Context, bucket, key, localPath string) error {
	out, err := c.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapError("Download", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, out.Body); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy to %s: %w", localPath, err)
	}
	return dst.Close()
}

func (c *Client) Upload(ctx context.Context, bucket, key, localPath string, opts storage.UploadOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	input := &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return wrapError("Upload", bucket, key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapError("Delete", bucket, key, err)
	}
	return nil
}

// wrapError translates S3 errors into the storage sentinels.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.OpError{Op: op, Bucket: bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = storage.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = storage.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = storage.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = storage.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = storage.ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = storage.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = storage.ErrUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"), strings.Contains(msg, "404"):
		wrapped.Err = storage.ErrNotFound
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "403"):
		wrapped.Err = storage.ErrAccessDenied
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "429"):
		wrapped.Err = storage.ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable"), strings.Contains(msg, "503"):
		wrapped.Err = storage.ErrUnavailable
	}
	return wrapped
}

// cleanETag removes surrounding quotes from an ETag value.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}
