// The GCS backend stores the library in a Google Cloud Storage bucket.
// Revisions are object generations, which GCS enforces natively on writes
// and deletes: ifGenerationMatch=0 admits only brand-new objects, a nonzero
// value admits only the matching live generation. Commit messages have no
// GCS equivalent and are ignored.
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests. A generation argument of zero on
// Write means the object must not exist yet.
type GCSAPI interface {
	// Download returns the object content and its live generation.
	Download(ctx context.Context, bucket, object string) ([]byte, int64, error)
	// Generation returns the live generation of the object.
	Generation(ctx context.Context, bucket, object string) (int64, error)
	// Write stores data conditioned on ifGenerationMatch and returns the
	// new generation.
	Write(ctx context.Context, bucket, object string, data []byte, ifGenerationMatch int64) (int64, error)
	// Delete removes the object conditioned on ifGenerationMatch.
	Delete(ctx context.Context, bucket, object string, ifGenerationMatch int64) error
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) Download(ctx context.Context, bucket, object string) ([]byte, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return data, r.Attrs.Generation, nil
}

func (c *realGCSClient) Generation(ctx context.Context, bucket, object string) (int64, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Generation, nil
}

func (c *realGCSClient) Write(ctx context.Context, bucket, object string, data []byte, ifGenerationMatch int64) (int64, error) {
	conds := gcs.Conditions{GenerationMatch: ifGenerationMatch}
	if ifGenerationMatch == 0 {
		conds = gcs.Conditions{DoesNotExist: true}
	}
	w := c.client.Bucket(bucket).Object(object).If(conds).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Attrs().Generation, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string, ifGenerationMatch int64) error {
	conds := gcs.Conditions{GenerationMatch: ifGenerationMatch}
	return c.client.Bucket(bucket).Object(object).If(conds).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSStore implements the Store interface on top of a GCS bucket.
type GCSStore struct {
	// Bucket is the GCS bucket holding the library.
	Bucket string
	// Prefix is the object name prefix for all library objects.
	Prefix string
	// PublicBaseURL is the base URL for unauthenticated reads. When empty,
	// the standard storage.googleapis.com URL form is used.
	PublicBaseURL string

	client GCSAPI
	httpc  *http.Client
}

// NewGCSStore creates a GCSStore using Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket, prefix, publicBaseURL string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	store := NewGCSStoreWithClient(bucket, prefix, publicBaseURL, &realGCSClient{client: client})

	// Verify the bucket is accessible by listing with an impossible prefix.
	if _, err := store.client.ListObjects(ctx, bucket, "\x00nonexistent\x00"); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}
	return store, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSStoreWithClient(bucket, prefix, publicBaseURL string, client GCSAPI) *GCSStore {
	return &GCSStore{
		Bucket:        bucket,
		Prefix:        prefix,
		PublicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		client:        client,
		httpc:         http.DefaultClient,
	}
}

// object maps a library path to an upstream GCS object name.
func (s *GCSStore) object(path string) string {
	return s.Prefix + path
}

// generationRev encodes a GCS generation as an opaque revision.
func generationRev(gen int64) Revision {
	return Revision(strconv.FormatInt(gen, 10))
}

// parseGenerationRev decodes a revision produced by this backend.
func parseGenerationRev(path string, rev Revision) (int64, error) {
	gen, err := strconv.ParseInt(string(rev), 10, 64)
	if err != nil || gen <= 0 {
		return 0, apierr.Newf(apierr.KindInvalidArgument, "malformed revision %q for %s", rev, path)
	}
	return gen, nil
}

// disambiguatePrecondition resolves a failed generation precondition into
// not-found or conflict. GCS answers 412 both when the generation moved and
// when the object is gone, so a follow-up metadata probe tells them apart.
func (s *GCSStore) disambiguatePrecondition(ctx context.Context, path string, cause error) error {
	if _, statErr := s.client.Generation(ctx, s.Bucket, s.object(path)); isGCSNotFound(statErr) {
		return apierr.Wrapf(apierr.KindNotFound, cause, "path not found: %s", path)
	}
	return apierr.Wrapf(apierr.KindConflict, cause, "revision mismatch for %s", path)
}

// Read fetches the object at path. Returns (nil, nil) when absent.
func (s *GCSStore) Read(ctx context.Context, path string) (*Blob, error) {
	data, gen, err := s.client.Download(ctx, s.Bucket, s.object(path))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, nil
		}
		return nil, classifyGCSError(fmt.Sprintf("reading %s", path), err)
	}
	return &Blob{Data: data, Rev: generationRev(gen)}, nil
}

// Stat returns the generation of path, or ("", nil) when absent.
func (s *GCSStore) Stat(ctx context.Context, path string) (Revision, error) {
	gen, err := s.client.Generation(ctx, s.Bucket, s.object(path))
	if err != nil {
		if isGCSNotFound(err) {
			return "", nil
		}
		return "", classifyGCSError(fmt.Sprintf("checking %s", path), err)
	}
	return generationRev(gen), nil
}

// Create writes a new object at path conditioned on it not existing.
func (s *GCSStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	gen, err := s.client.Write(ctx, s.Bucket, s.object(path), data, 0)
	if err != nil {
		if isGCSPreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "path already exists: %s", path)
		}
		return "", classifyGCSError(fmt.Sprintf("creating %s", path), err)
	}
	return generationRev(gen), nil
}

// Update overwrites path conditioned on rev being the live generation.
func (s *GCSStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	gen, err := parseGenerationRev(path, rev)
	if err != nil {
		return "", err
	}
	newGen, err := s.client.Write(ctx, s.Bucket, s.object(path), data, gen)
	if err != nil {
		if isGCSNotFound(err) {
			return "", apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isGCSPreconditionFailed(err) {
			return "", s.disambiguatePrecondition(ctx, path, err)
		}
		return "", classifyGCSError(fmt.Sprintf("updating %s", path), err)
	}
	return generationRev(newGen), nil
}

// Delete removes path conditioned on rev being the live generation.
func (s *GCSStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	gen, err := parseGenerationRev(path, rev)
	if err != nil {
		return err
	}
	if err := s.client.Delete(ctx, s.Bucket, s.object(path), gen); err != nil {
		if isGCSNotFound(err) {
			return apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isGCSPreconditionFailed(err) {
			return s.disambiguatePrecondition(ctx, path, err)
		}
		return classifyGCSError(fmt.Sprintf("deleting %s", path), err)
	}
	return nil
}

// ReadPublic fetches path from the public URL of the object.
func (s *GCSStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	base := s.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("https://storage.googleapis.com/%s", s.Bucket)
	}
	url := fmt.Sprintf("%s/%s", base, s.object(path))

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
	case resp.StatusCode == http.StatusNotFound:
		return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apierr.Newf(apierr.KindTransient, "public host returned %d for %s", resp.StatusCode, path)
	default:
		return nil, apierr.Newf(apierr.KindInternal, "public host returned %d for %s", resp.StatusCode, path)
	}
}

// List returns all library paths under prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListObjects(ctx, s.Bucket, s.object(prefix))
	if err != nil {
		return nil, classifyGCSError(fmt.Sprintf("listing %s", prefix), err)
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, strings.TrimPrefix(name, s.Prefix))
	}
	return paths, nil
}

// HealthCheck verifies that the bucket is accessible.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.ListObjects(ctx, s.Bucket, "\x00nonexistent\x00")
	if err != nil {
		return classifyGCSError("checking bucket", err)
	}
	return nil
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}

// isGCSPreconditionFailed checks if a GCS error is a failed generation
// precondition.
func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return false
}

// classifyGCSError maps a GCS client error to the error kinds the rest of
// the system understands.
func classifyGCSError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return apierr.Wrapf(apierr.KindNotFound, err, "%s", op)
		case apiErr.Code == http.StatusPreconditionFailed:
			return apierr.Wrapf(apierr.KindConflict, err, "%s", op)
		case apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests:
			return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
		}
		return apierr.Wrapf(apierr.KindInternal, err, "%s", op)
	}
	// Anything else is a transport-level failure worth retrying.
	return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
}

// Ensure GCSStore implements Store at compile time.
var _ Store = (*GCSStore)(nil)
