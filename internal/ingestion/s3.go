package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/correlator-io/reconciler/internal/config"
)

const (
	defaultS3Region   = "us-east-1"
	defaultS3PageSize = 1000
)

var (
	// ErrS3RegionEmpty is returned when no region is configured.
	ErrS3RegionEmpty = errors.New("s3 region cannot be empty")

	// ErrS3PartialCredentials is returned when only one of key id and secret is set.
	ErrS3PartialCredentials = errors.New("s3 access key id and secret must be set together")

	// ErrS3InvalidPageSize is returned when the page size is outside 1..1000.
	ErrS3InvalidPageSize = errors.New("s3 page size must be between 1 and 1000")
)

// S3Config holds the settings for listing a live bucket.
type S3Config struct {
	Endpoint        string // empty uses the AWS endpoint for Region
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
	Prefix          string // only keys under this prefix are listed
	PageSize        int32
}

// LoadS3Config reads S3 settings from RECONCILER_S3_* with AWS_* fallbacks.
func LoadS3Config() *S3Config {
	return &S3Config{
		Endpoint:        config.GetEnvStr(config.Key("S3_ENDPOINT"), ""),
		Region:          config.GetEnvStrAny(defaultS3Region, config.Key("S3_REGION"), "AWS_REGION"),
		AccessKeyID:     config.GetEnvStrAny("", config.Key("S3_ACCESS_KEY_ID"), "AWS_ACCESS_KEY_ID"),
		SecretAccessKey: config.GetEnvStrAny("", config.Key("S3_SECRET_ACCESS_KEY"), "AWS_SECRET_ACCESS_KEY"),
		SessionToken:    config.GetEnvStrAny("", config.Key("S3_SESSION_TOKEN"), "AWS_SESSION_TOKEN"),
		UsePathStyle:    config.GetEnvBool(config.Key("S3_PATH_STYLE"), false),
		Prefix:          config.GetEnvStr(config.Key("S3_PREFIX"), ""),
		PageSize:        int32(config.GetEnvInt(config.Key("S3_PAGE_SIZE"), defaultS3PageSize)), //nolint:gosec // bounded by Validate
	}
}

// Validate checks the S3 settings.
func (c *S3Config) Validate() error {
	if strings.TrimSpace(c.Region) == "" {
		return ErrS3RegionEmpty
	}

	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return ErrS3PartialCredentials
	}

	if c.PageSize < 1 || c.PageSize > defaultS3PageSize {
		return ErrS3InvalidPageSize
	}

	return nil
}

// S3Lister lists bucket contents with ListObjectsV2 pagination.
type S3Lister struct {
	client   s3.ListObjectsV2APIClient
	prefix   string
	pageSize int32
	logger   *slog.Logger
}

// NewS3Lister builds a lister from cfg. Without credentials requests are unsigned.
func NewS3Lister(cfg *S3Config) (*S3Lister, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}

	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}

	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return NewS3ListerWithClient(s3.New(opts), cfg.Prefix, cfg.PageSize), nil
}

// NewS3ListerWithClient wraps an existing ListObjectsV2 client.
func NewS3ListerWithClient(client s3.ListObjectsV2APIClient, prefix string, pageSize int32) *S3Lister {
	if pageSize <= 0 {
		pageSize = defaultS3PageSize
	}

	return &S3Lister{client: client, prefix: prefix, pageSize: pageSize, logger: config.NewLogger()}
}

// List returns every key in bucket under the configured prefix, in listing order.
func (l *S3Lister) List(ctx context.Context, bucket string) (Listing, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return Listing{}, fmt.Errorf("%w: bucket name is required", ErrMalformedInput)
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(l.pageSize),
	}
	if l.prefix != "" {
		input.Prefix = aws.String(l.prefix)
	}

	listing := Listing{Bucket: bucket}
	pages := 0

	paginator := s3.NewListObjectsV2Paginator(l.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return Listing{}, fmt.Errorf("list objects in %s: %w", bucket, err)
		}

		pages++

		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); key != "" {
				listing.Keys = append(listing.Keys, key)
			}
		}
	}

	l.logger.Info("listed bucket",
		slog.String("bucket", bucket),
		slog.Int("pages", pages),
		slog.Int("objects", len(listing.Keys)),
	)

	return listing, nil
}
