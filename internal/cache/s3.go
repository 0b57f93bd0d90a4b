package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ociassemble/ociassemble/internal/digest"
)

// S3Store is a shared, bucket-backed blob store: a cluster of
// materializer workers can point at the same bucket so a blob fetched by
// one node is reused by every other, without re-hitting the origin
// registry. It satisfies the same Store interface as FSStore. Selected as
// the primary Store (the "s3" storage backend), it replaces the local
// cache and the compositor reads tar layers from the bucket; set as a
// Mirror, it is a best-effort source in front of the local store.
type S3Store struct {
	client        *s3.Client
	bucket        string
	prefix        string
	lifecycleDays int
}

// NewS3Store creates an S3-backed blob mirror. Credentials, region, and
// endpoint are resolved via the standard AWS SDK default credential chain
// (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_REGION,
// AWS_ENDPOINT_URL, instance profiles, etc.).
func NewS3Store(ctx context.Context, bucket, prefix string, forcePathStyle bool, lifecycleDays int) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &S3Store{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		lifecycleDays: lifecycleDays,
	}, nil
}

// Init creates the bucket if it doesn't already exist and applies a
// lifecycle policy so mirrored blobs expire rather than accumulate
// forever (unlike the local cache, which is never garbage collected by
// this module).
func (s *S3Store) Init(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var baoby *types.BucketAlreadyOwnedByYou
		var bae *types.BucketAlreadyExists
		if isError(err, &baoby) || isError(err, &bae) {
			slog.Debug("bucket already exists", "bucket", s.bucket)
		} else {
			return fmt.Errorf("creating bucket: %w", err)
		}
	} else {
		slog.Debug("bucket created", "bucket", s.bucket)
	}

	if s.lifecycleDays > 0 {
		_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket: aws.String(s.bucket),
			LifecycleConfiguration: &types.BucketLifecycleConfiguration{
				Rules: []types.LifecycleRule{
					{
						ID:     aws.String("ociassemble-blob-expiry"),
						Status: types.ExpirationStatusEnabled,
						Filter: &types.LifecycleRuleFilter{Prefix: aws.String(s.prefix)},
						Expiration: &types.LifecycleExpiration{
							Days: aws.Int32(int32(s.lifecycleDays)),
						},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("setting bucket lifecycle policy: %w", err)
		}
		slog.Info("bucket lifecycle policy applied", "bucket", s.bucket, "expiry_days", s.lifecycleDays)
	}

	return nil
}

// key maps a digest to its S3 object key. Colons are replaced with
// hyphens: some S3-compatible backends (and intermediating caches) mangle
// colons in path segments.
func (s *S3Store) key(d digest.Digest) string {
	return s.prefix + "blobs/" + d.Algorithm + "-" + d.Hex
}

// Head reports whether a blob for d exists in the bucket.
func (s *S3Store) Head(ctx context.Context, d digest.Digest) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get opens a blob for reading from the bucket.
func (s *S3Store) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Put uploads a blob already verified by the caller against d. Race
// conditions are benign — blobs are content-addressed, so a conflicting
// concurrent write is always identical content — and are treated as
// success rather than retried.
func (s *S3Store) Put(ctx context.Context, d digest.Digest, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(d)),
		Body:        body,
		IfNoneMatch: aws.String("*"),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}

	_, err := s.client.PutObject(ctx, input,
		s3.WithAPIOptions(func(stack *middleware.Stack) error {
			return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
		}),
		func(o *s3.Options) {
			o.RetryMaxAttempts = 1
		},
	)
	if err != nil {
		if isConditionalPutConflict(err) {
			slog.Debug("blob already mirrored, skipping duplicate upload", "digest", d)
			return nil
		}
		return fmt.Errorf("putting blob to S3: %w", err)
	}
	return nil
}

// isConditionalPutConflict returns true when the S3 PutObject error
// indicates the object already exists (412 Precondition Failed or 409
// Conflict).
func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}

// isError checks if an error matches a target type using string matching,
// since different S3-compatible implementations report these differently.
func isError[T error](err error, target *T) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	switch any(*target).(type) {
	case *types.BucketAlreadyOwnedByYou:
		return strings.Contains(errMsg, "BucketAlreadyOwnedByYou")
	case *types.BucketAlreadyExists:
		return strings.Contains(errMsg, "BucketAlreadyExists")
	}
	return false
}
