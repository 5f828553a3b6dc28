package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// mockS3Client implements S3API for unit testing, honoring the If-Match and
// If-None-Match conditions on PutObject the way S3 does.
type mockS3Client struct {
	// objects stores object data and ETag keyed by S3 key.
	objects map[string]*mockS3Object
	// pageSize, when nonzero, truncates ListObjectsV2 responses to exercise
	// pagination.
	pageSize int
	// putObjectCalls tracks the number of PutObject calls.
	putObjectCalls int
	// headObjectCalls tracks the number of HeadObject calls.
	headObjectCalls int
	// deleteObjectCalls tracks the number of DeleteObject calls.
	deleteObjectCalls int
}

type mockS3Object struct {
	data []byte
	etag string
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]*mockS3Object)}
}

func s3ETag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data))
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.putObjectCalls++
	key := aws.ToString(params.Key)
	existing, exists := m.objects[key]

	if aws.ToString(params.IfNoneMatch) == "*" && exists {
		return nil, &mockAPIError{code: "PreconditionFailed", message: "At least one of the pre-conditions you specified did not hold", httpStatus: 412}
	}
	if params.IfMatch != nil {
		if !exists {
			return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
		}
		if aws.ToString(params.IfMatch) != existing.etag {
			return nil, &mockAPIError{code: "PreconditionFailed", message: "At least one of the pre-conditions you specified did not hold", httpStatus: 412}
		}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	etag := s3ETag(data)
	m.objects[key] = &mockS3Object{data: data, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	obj, ok := m.objects[key]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.headObjectCalls++
	key := aws.ToString(params.Key)
	obj, ok := m.objects[key]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.deleteObjectCalls++
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		for i, k := range keys {
			if k == aws.ToString(params.ContinuationToken) {
				start = i
				break
			}
		}
	}
	end := len(keys)
	truncated := false
	if m.pageSize > 0 && start+m.pageSize < len(keys) {
		end = start + m.pageSize
		truncated = true
	}

	var contents []types.Object
	for _, k := range keys[start:end] {
		contents = append(contents, types.Object{Key: aws.String(k)})
	}
	out := &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(truncated)}
	if truncated {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

// Ensure mockAPIError satisfies smithy.APIError.
var _ smithy.APIError = (*mockAPIError)(nil)

// --- Test helpers ---

func newTestS3Store(t *testing.T) (*S3Store, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	store := NewS3StoreWithClient("mine-gallery", "library/", "", mock)
	return store, mock
}

// --- Tests ---

func TestS3CreateAndRead(t *testing.T) {
	store, mock := newTestS3Store(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "coal/a.png", []byte("pixels"), "ignored")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rev == "" {
		t.Fatal("Create returned empty revision")
	}

	// Key mapping: {prefix}{path}.
	if _, ok := mock.objects["library/coal/a.png"]; !ok {
		t.Error("object should be stored at key library/coal/a.png")
	}

	b, err := store.Read(ctx, "coal/a.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b == nil {
		t.Fatal("Read returned nil for existing path")
	}
	if string(b.Data) != "pixels" {
		t.Errorf("data = %q, want %q", b.Data, "pixels")
	}
	if b.Rev != rev {
		t.Errorf("rev = %q, want %q", b.Rev, rev)
	}
}

func TestS3ReadAbsent(t *testing.T) {
	store, _ := newTestS3Store(t)

	b, err := store.Read(context.Background(), "nope.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b != nil {
		t.Errorf("Read(absent) = %v, want nil", b)
	}
}

func TestS3CreateConflict(t *testing.T) {
	store, _ := newTestS3Store(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "a.png", []byte("one"), ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := store.Create(ctx, "a.png", []byte("two"), "")
	if err == nil {
		t.Fatal("Create of existing path should fail")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("error kind = %v, want conflict: %v", apierr.KindOf(err), err)
	}
}

func TestS3Update(t *testing.T) {
	store, _ := newTestS3Store(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "a.png", []byte("one"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rev2, err := store.Update(ctx, "a.png", []byte("two"), rev1, "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rev2 == rev1 {
		t.Error("Update should change the revision")
	}

	b, _ := store.Read(ctx, "a.png")
	if string(b.Data) != "two" {
		t.Errorf("data = %q, want %q", b.Data, "two")
	}
}

func TestS3UpdateStaleRevision(t *testing.T) {
	store, _ := newTestS3Store(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "a.png", []byte("one"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "a.png", []byte("two"), rev1, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err = store.Update(ctx, "a.png", []byte("three"), rev1, "")
	if err == nil {
		t.Fatal("Update with stale revision should fail")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("error kind = %v, want conflict: %v", apierr.KindOf(err), err)
	}
}

func TestS3UpdateAbsent(t *testing.T) {
	store, _ := newTestS3Store(t)

	_, err := store.Update(context.Background(), "nope.png", []byte("x"), `"abc"`, "")
	if err == nil {
		t.Fatal("Update of absent path should fail")
	}
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestS3DeleteVerifiesETagFirst(t *testing.T) {
	store, mock := newTestS3Store(t)
	ctx := context.Background()

	rev, err := store.Create(ctx, "a.png", []byte("one"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Delete(ctx, "a.png", rev, ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mock.headObjectCalls != 1 {
		t.Errorf("headObjectCalls = %d, want 1", mock.headObjectCalls)
	}
	if mock.deleteObjectCalls != 1 {
		t.Errorf("deleteObjectCalls = %d, want 1", mock.deleteObjectCalls)
	}

	b, err := store.Read(ctx, "a.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b != nil {
		t.Error("path should be gone after delete")
	}
}

func TestS3DeleteStaleRevision(t *testing.T) {
	store, mock := newTestS3Store(t)
	ctx := context.Background()

	rev1, err := store.Create(ctx, "a.png", []byte("one"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "a.png", []byte("two"), rev1, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = store.Delete(ctx, "a.png", rev1, "")
	if err == nil {
		t.Fatal("Delete with stale revision should fail")
	}
	if !apierr.IsConflict(err) {
		t.Errorf("error kind = %v, want conflict: %v", apierr.KindOf(err), err)
	}
	if mock.deleteObjectCalls != 0 {
		t.Errorf("deleteObjectCalls = %d, want 0 after failed precondition", mock.deleteObjectCalls)
	}
}

func TestS3DeleteAbsent(t *testing.T) {
	store, _ := newTestS3Store(t)

	err := store.Delete(context.Background(), "nope.png", `"abc"`, "")
	if err == nil {
		t.Fatal("Delete of absent path should fail")
	}
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestS3ListFollowsPagination(t *testing.T) {
	store, mock := newTestS3Store(t)
	mock.pageSize = 2
	ctx := context.Background()

	for _, p := range []string{"coal/a.png", "coal/b.png", "coal/c.png", "coal/d.png", "gold/e.png"} {
		if _, err := store.Create(ctx, p, []byte("x"), ""); err != nil {
			t.Fatalf("Create(%q): %v", p, err)
		}
	}

	paths, err := store.List(ctx, "coal/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"coal/a.png", "coal/b.png", "coal/c.png", "coal/d.png"}
	if len(paths) != len(want) {
		t.Fatalf("List = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestS3ReadPublic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/library/coal/a.png":
			w.Write([]byte("public pixels"))
		case "/library/hidden.png":
			// S3 answers 403 for missing keys without ListBucket permission.
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mock := newMockS3Client()
	store := NewS3StoreWithClient("mine-gallery", "library/", srv.URL, mock)
	ctx := context.Background()

	data, err := store.ReadPublic(ctx, "coal/a.png")
	if err != nil {
		t.Fatalf("ReadPublic: %v", err)
	}
	if string(data) != "public pixels" {
		t.Errorf("data = %q, want %q", data, "public pixels")
	}

	_, err = store.ReadPublic(ctx, "hidden.png")
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestS3ReadPublicWithoutBaseURL(t *testing.T) {
	store, _ := newTestS3Store(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "a.png", []byte("pixels"), ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Without a public base URL, reads go through the authenticated client.
	data, err := store.ReadPublic(ctx, "a.png")
	if err != nil {
		t.Fatalf("ReadPublic: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("data = %q, want %q", data, "pixels")
	}

	_, err = store.ReadPublic(ctx, "nope.png")
	if !apierr.IsNotFound(err) {
		t.Errorf("error kind = %v, want not_found: %v", apierr.KindOf(err), err)
	}
}

func TestS3InterfaceCompliance(t *testing.T) {
	var _ Store = (*S3Store)(nil)
}
