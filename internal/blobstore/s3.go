// The S3 backend stores the library in an S3 bucket (or any S3-compatible
// store that honors conditional writes). Revisions are object ETags.
//
// Create maps to PutObject with If-None-Match: * and Update to PutObject
// with If-Match, both enforced server-side. S3 has no conditional delete,
// so Delete verifies the ETag with HeadObject first; a concurrent overwrite
// between the head and the delete is lost. Commit messages have no S3
// equivalent and are ignored.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store implements the Store interface on top of an S3 bucket.
type S3Store struct {
	// Bucket is the S3 bucket holding the library.
	Bucket string
	// Prefix is the key prefix for all library objects.
	Prefix string
	// PublicBaseURL is the base URL for unauthenticated reads. When empty,
	// public reads go through the authenticated client.
	PublicBaseURL string

	client S3API
	httpc  *http.Client
}

// S3Options configures NewS3Store.
type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

// NewS3Store creates an S3Store using the default AWS credential chain,
// with optional overrides for custom endpoint, path-style addressing, and
// static credentials.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	store := NewS3StoreWithClient(opts.Bucket, opts.Prefix, opts.PublicBaseURL, client)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}
	return store, nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, prefix, publicBaseURL string, client S3API) *S3Store {
	return &S3Store{
		Bucket:        bucket,
		Prefix:        prefix,
		PublicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		client:        client,
		httpc:         http.DefaultClient,
	}
}

// key maps a library path to an upstream S3 key.
func (s *S3Store) key(path string) string {
	return s.Prefix + path
}

// Read fetches the object at path. Returns (nil, nil) when absent.
func (s *S3Store) Read(ctx context.Context, path string) (*Blob, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, classifyS3Error(fmt.Sprintf("reading %s", path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "reading body of %s", path)
	}
	return &Blob{Data: data, Rev: Revision(aws.ToString(resp.ETag))}, nil
}

// Stat returns the ETag of path, or ("", nil) when absent.
func (s *S3Store) Stat(ctx context.Context, path string) (Revision, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", nil
		}
		return "", classifyS3Error(fmt.Sprintf("checking %s", path), err)
	}
	return Revision(aws.ToString(resp.ETag)), nil
}

// Create writes a new object at path using If-None-Match: * so that an
// existing object rejects the write server-side.
func (s *S3Store) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key(path)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isS3PreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "path already exists: %s", path)
		}
		return "", classifyS3Error(fmt.Sprintf("creating %s", path), err)
	}
	return Revision(aws.ToString(resp.ETag)), nil
}

// Update overwrites path using If-Match so that a stale ETag rejects the
// write server-side.
func (s *S3Store) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	if rev == "" {
		return "", apierr.Newf(apierr.KindInvalidArgument, "update of %s requires the current revision", path)
	}
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:  aws.String(s.Bucket),
		Key:     aws.String(s.key(path)),
		Body:    bytes.NewReader(data),
		IfMatch: aws.String(string(rev)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isS3PreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "revision mismatch for %s", path)
		}
		return "", classifyS3Error(fmt.Sprintf("updating %s", path), err)
	}
	return Revision(aws.ToString(resp.ETag)), nil
}

// Delete removes path. S3 offers no If-Match on DeleteObject, so the ETag
// is verified with a HeadObject first; an overwrite landing between the two
// calls goes undetected.
func (s *S3Store) Delete(ctx context.Context, path string, rev Revision, message string) error {
	if rev == "" {
		return apierr.Newf(apierr.KindInvalidArgument, "delete of %s requires the current revision", path)
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
		}
		return classifyS3Error(fmt.Sprintf("checking %s before delete", path), err)
	}
	if Revision(aws.ToString(head.ETag)) != rev {
		return apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return classifyS3Error(fmt.Sprintf("deleting %s", path), err)
	}
	return nil
}

// ReadPublic fetches path from PublicBaseURL when configured, otherwise
// through the authenticated client.
func (s *S3Store) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	if s.PublicBaseURL == "" {
		b, err := s.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
		}
		return b.Data, nil
	}

	url := fmt.Sprintf("%s/%s", s.PublicBaseURL, s.key(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindInternal, err, "building public request for %s", path)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "fetching public content of %s", path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apierr.Wrapf(apierr.KindTransient, err, "reading public content of %s", path)
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// S3 returns 403 for missing keys when the caller lacks ListBucket.
		return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apierr.Newf(apierr.KindTransient, "public host returned %d for %s", resp.StatusCode, path)
	default:
		return nil, apierr.Newf(apierr.KindInternal, "public host returned %d for %s", resp.StatusCode, path)
	}
}

// List returns all library paths under prefix, following pagination.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	var continuation *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(s.key(prefix)),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, classifyS3Error(fmt.Sprintf("listing %s", prefix), err)
		}
		for _, obj := range resp.Contents {
			paths = append(paths, strings.TrimPrefix(aws.ToString(obj.Key), s.Prefix))
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		continuation = resp.NextContinuationToken
	}
	return paths, nil
}

// HealthCheck verifies that the bucket is accessible.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)})
	if err != nil {
		return classifyS3Error("checking bucket", err)
	}
	return nil
}

// isS3NotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// isS3PreconditionFailed checks if an AWS error is the rejection of a
// conditional write, either a failed precondition or a concurrent
// conditional write on the same key.
func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "PreconditionFailed" || code == "ConditionalRequestConflict" {
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}

// classifyS3Error maps an AWS SDK error to the error kinds the rest of the
// system understands.
func classifyS3Error(op string, err error) error {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status >= 500 || status == http.StatusTooManyRequests {
			return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer || apiErr.ErrorCode() == "SlowDown" {
			return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
		}
		return apierr.Wrapf(apierr.KindInternal, err, "%s", op)
	}
	// Anything else is a transport-level failure worth retrying.
	return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
}

// Ensure S3Store implements Store at compile time.
var _ Store = (*S3Store)(nil)
