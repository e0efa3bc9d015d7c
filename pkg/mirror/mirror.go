// Package mirror stores a mirrored copy of package archives in S3 so shard
// URLs can be rewritten away from the upstream host (spec §3 Lifecycle,
// §4.3 step 3) and removed again by the undistributable sweep.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/mirror"

// ErrNotFound is returned when a key does not exist in the mirror bucket.
var ErrNotFound = errors.New("mirror: object not found")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config describes how to reach the mirror bucket.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	// PublicBaseURL, when set, is prefixed to keys to form the canonical
	// download URL a shard's "url" field is rewritten to. When empty, the
	// bucket's virtual-hosted-style URL is used.
	PublicBaseURL string
}

// Store is an S3-backed blob mirror.
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	cfg        Config
}

// New builds a Store from the ambient AWS credential chain plus cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror: bucket is required")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("mirror: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		cfg:        cfg,
	}, nil
}

// CanonicalURL returns the public download URL a mirrored key is reachable
// at, used to rewrite a shard's canonical "main" URL.
func (s *Store) CanonicalURL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL + "/" + key
	}

	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.cfg.Bucket, key)
}

// Has reports whether key exists in the mirror.
func (s *Store) Has(ctx context.Context, key string) bool {
	_, span := tracer.Start(ctx, "mirror.Has", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})

	return err == nil
}

// Put uploads body under key and returns its canonical URL.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "mirror.Put", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("mirror: uploading %q: %w", key, err)
	}

	return s.CanonicalURL(key), nil
}

// Get returns a reader over the object at key. The caller must close it.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "mirror.Get", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("mirror: getting %q: %w", key, err)
	}

	return out.Body, nil
}

// Delete removes the object at key, used by the undistributable sweep. A
// missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "mirror.Delete", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("mirror: deleting %q: %w", key, err)
	}

	return nil
}
