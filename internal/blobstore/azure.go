// The Azure backend stores the library in an Azure Blob Storage container.
// Revisions are blob ETags, enforced server-side through access conditions:
// If-None-Match: * on create, If-Match on update and delete. Azure supports
// conditional deletes natively, so there is no verify-then-delete window.
// Commit messages have no Azure equivalent and are ignored.
//
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI, etc.).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests. The ifMatch and
// ifNoneMatch arguments carry raw ETag values; empty strings mean the
// condition is not applied.
type AzureBlobAPI interface {
	// DownloadBlob returns the blob content and its ETag.
	DownloadBlob(ctx context.Context, container, blobName string) ([]byte, string, error)
	// BlobETag returns the current ETag of the blob.
	BlobETag(ctx context.Context, container, blobName string) (string, error)
	// UploadBlob stores data under the given access conditions and returns
	// the new ETag.
	UploadBlob(ctx context.Context, container, blobName string, data []byte, ifMatch, ifNoneMatch string) (string, error)
	// DeleteBlob removes the blob under the given If-Match condition.
	DeleteBlob(ctx context.Context, container, blobName, ifMatch string) error
	// ListBlobs lists blob names with the given prefix.
	ListBlobs(ctx context.Context, container, prefix string) ([]string, error)
}

// AzureStore implements the Store interface on top of an Azure Blob
// container.
type AzureStore struct {
	// Container is the blob container holding the library.
	Container string
	// AccountURL is the storage account URL
	// (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the blob name prefix for all library objects.
	Prefix string
	// PublicBaseURL is the base URL for unauthenticated reads. When empty,
	// it is derived from AccountURL and Container.
	PublicBaseURL string

	client AzureBlobAPI
	httpc  *http.Client
}

// NewAzureStore creates an AzureStore using DefaultAzureCredential.
func NewAzureStore(ctx context.Context, container, accountURL, prefix, publicBaseURL string) (*AzureStore, error) {
	client, err := newRealAzureClient(accountURL)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	store := NewAzureStoreWithClient(container, accountURL, prefix, publicBaseURL, client)

	// Verify the container is accessible by probing an impossible name.
	if _, err := client.BlobETag(ctx, container, "\x00nonexistent\x00"); err != nil && !isAzureNotFound(err) {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", container, err)
	}
	return store, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureStoreWithClient(container, accountURL, prefix, publicBaseURL string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{
		Container:     container,
		AccountURL:    strings.TrimSuffix(accountURL, "/"),
		Prefix:        prefix,
		PublicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		client:        client,
		httpc:         http.DefaultClient,
	}
}

// blobName maps a library path to an upstream Azure blob name.
func (s *AzureStore) blobName(path string) string {
	return s.Prefix + path
}

// Read fetches the blob at path. Returns (nil, nil) when absent.
func (s *AzureStore) Read(ctx context.Context, path string) (*Blob, error) {
	data, etag, err := s.client.DownloadBlob(ctx, s.Container, s.blobName(path))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, nil
		}
		return nil, classifyAzureError(fmt.Sprintf("reading %s", path), err)
	}
	return &Blob{Data: data, Rev: Revision(etag)}, nil
}

// Stat returns the ETag of path, or ("", nil) when absent.
func (s *AzureStore) Stat(ctx context.Context, path string) (Revision, error) {
	etag, err := s.client.BlobETag(ctx, s.Container, s.blobName(path))
	if err != nil {
		if isAzureNotFound(err) {
			return "", nil
		}
		return "", classifyAzureError(fmt.Sprintf("checking %s", path), err)
	}
	return Revision(etag), nil
}

// Create writes a new blob at path using If-None-Match: *.
func (s *AzureStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	etag, err := s.client.UploadBlob(ctx, s.Container, s.blobName(path), data, "", "*")
	if err != nil {
		if isAzurePreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "path already exists: %s", path)
		}
		return "", classifyAzureError(fmt.Sprintf("creating %s", path), err)
	}
	return Revision(etag), nil
}

// Update overwrites path using If-Match with the expected ETag.
func (s *AzureStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	if rev == "" {
		return "", apierr.Newf(apierr.KindInvalidArgument, "update of %s requires the current revision", path)
	}
	etag, err := s.client.UploadBlob(ctx, s.Container, s.blobName(path), data, string(rev), "")
	if err != nil {
		if isAzureNotFound(err) {
			return "", apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isAzurePreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "revision mismatch for %s", path)
		}
		return "", classifyAzureError(fmt.Sprintf("updating %s", path), err)
	}
	return Revision(etag), nil
}

// Delete removes path using If-Match with the expected ETag.
func (s *AzureStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	if rev == "" {
		return apierr.Newf(apierr.KindInvalidArgument, "delete of %s requires the current revision", path)
	}
	if err := s.client.DeleteBlob(ctx, s.Container, s.blobName(path), string(rev)); err != nil {
		if isAzureNotFound(err) {
			return apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isAzurePreconditionFailed(err) {
			return apierr.Wrapf(apierr.KindConflict, err, "revision mismatch for %s", path)
		}
		return classifyAzureError(fmt.Sprintf("deleting %s", path), err)
	}
	return nil
}

// ReadPublic fetches path from the container's public URL.
func (s *AzureStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	base := s.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("%s/%s", s.AccountURL, s.Container)
	}
	url := fmt.Sprintf("%s/%s", base, s.blobName(path))

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
func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListBlobs(ctx, s.Container, s.blobName(prefix))
	if err != nil {
		return nil, classifyAzureError(fmt.Sprintf("listing %s", prefix), err)
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, strings.TrimPrefix(name, s.Prefix))
	}
	return paths, nil
}

// HealthCheck verifies that the container is accessible.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BlobETag(ctx, s.Container, "\x00nonexistent\x00")
	if err != nil && !isAzureNotFound(err) {
		return classifyAzureError("checking container", err)
	}
	return nil
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	// Message fallback for errors that lost their response metadata.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "the specified blob does not exist")
}

// isAzurePreconditionFailed checks if an Azure error is the rejection of a
// conditional write.
func isAzurePreconditionFailed(err error) bool {
	return bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists)
}

// classifyAzureError maps an Azure SDK error to the error kinds the rest of
// the system understands.
func classifyAzureError(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.StatusCode
		switch {
		case status == http.StatusNotFound:
			return apierr.Wrapf(apierr.KindNotFound, err, "%s", op)
		case status == http.StatusPreconditionFailed || status == http.StatusConflict:
			return apierr.Wrapf(apierr.KindConflict, err, "%s", op)
		case status >= 500 || status == http.StatusTooManyRequests:
			return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
		}
		return apierr.Wrapf(apierr.KindInternal, err, "%s", op)
	}
	// Anything else is a transport-level failure worth retrying.
	return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
}

// Ensure AzureStore implements Store at compile time.
var _ Store = (*AzureStore)(nil)
