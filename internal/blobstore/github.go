// The GitHub backend stores the library in a git repository accessed through
// the GitHub contents API. The repository doubles as object store and change
// history: every write lands as a commit on the configured branch, and the
// commit message passed by the caller becomes the commit message on the
// remote.
//
// Revisions are git blob SHAs. The contents API enforces them natively:
// creating an existing path or writing with a stale SHA is rejected by the
// server, which is what makes the optimistic concurrency protocol sound
// without any client-side locking.
//
// Public reads bypass the API (and its rate limits) by fetching from the
// raw content host.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v75/github"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// defaultRawBaseURL is the public host that serves raw file content for
// repositories on github.com.
const defaultRawBaseURL = "https://raw.githubusercontent.com"

// GitHubAPI defines the subset of the go-github client interface that the
// backend uses. This allows mocking in tests.
type GitHubAPI interface {
	// GetContents fetches a file or directory listing at a ref.
	GetContents(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentGetOptions) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error)
	// CreateFile creates a new file with a commit.
	CreateFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error)
	// UpdateFile replaces a file's content with a commit. The options must
	// carry the blob SHA being replaced.
	UpdateFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error)
	// DeleteFile removes a file with a commit. The options must carry the
	// blob SHA being deleted.
	DeleteFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error)
	// GetTree fetches the git tree at a ref, optionally recursively.
	GetTree(ctx context.Context, owner, repo, sha string, recursive bool) (*github.Tree, *github.Response, error)
	// GetRepo fetches repository metadata.
	GetRepo(ctx context.Context, owner, repo string) (*github.Repository, *github.Response, error)
}

// realGitHubClient wraps the official go-github client to satisfy GitHubAPI.
type realGitHubClient struct {
	client *github.Client
}

func (c *realGitHubClient) GetContents(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentGetOptions) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error) {
	return c.client.Repositories.GetContents(ctx, owner, repo, path, opts)
}

func (c *realGitHubClient) CreateFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error) {
	return c.client.Repositories.CreateFile(ctx, owner, repo, path, opts)
}

func (c *realGitHubClient) UpdateFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error) {
	return c.client.Repositories.UpdateFile(ctx, owner, repo, path, opts)
}

func (c *realGitHubClient) DeleteFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error) {
	return c.client.Repositories.DeleteFile(ctx, owner, repo, path, opts)
}

func (c *realGitHubClient) GetTree(ctx context.Context, owner, repo, sha string, recursive bool) (*github.Tree, *github.Response, error) {
	return c.client.Git.GetTree(ctx, owner, repo, sha, recursive)
}

func (c *realGitHubClient) GetRepo(ctx context.Context, owner, repo string) (*github.Repository, *github.Response, error) {
	return c.client.Repositories.Get(ctx, owner, repo)
}

// GitHubStore implements the Store interface on top of a GitHub repository.
type GitHubStore struct {
	// Owner is the user or organization owning the repository.
	Owner string
	// Repo is the repository name.
	Repo string
	// Branch is the branch all reads and writes target.
	Branch string
	// RawBaseURL is the host for unauthenticated raw reads.
	RawBaseURL string
	// Committer is recorded as author and committer on every write.
	Committer github.CommitAuthor

	client GitHubAPI
	httpc  *http.Client
}

// GitHubOptions configures NewGitHubStore.
type GitHubOptions struct {
	Owner          string
	Repo           string
	Branch         string
	Token          string
	BaseURL        string // GitHub Enterprise API endpoint; empty for github.com
	RawBaseURL     string // raw content host; empty for raw.githubusercontent.com
	CommitterName  string
	CommitterEmail string
}

// NewGitHubStore creates a GitHubStore backed by the real GitHub API.
func NewGitHubStore(opts GitHubOptions) (*GitHubStore, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github store requires owner and repo")
	}

	client := github.NewClient(nil)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub enterprise endpoint: %w", err)
		}
	}

	return newGitHubStore(opts, &realGitHubClient{client: client}, http.DefaultClient), nil
}

// NewGitHubStoreWithClient creates a GitHubStore with pre-configured clients.
// This is primarily used for testing with mocks.
func NewGitHubStoreWithClient(opts GitHubOptions, client GitHubAPI, httpc *http.Client) *GitHubStore {
	return newGitHubStore(opts, client, httpc)
}

func newGitHubStore(opts GitHubOptions, client GitHubAPI, httpc *http.Client) *GitHubStore {
	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}
	rawBase := strings.TrimSuffix(opts.RawBaseURL, "/")
	if rawBase == "" {
		rawBase = defaultRawBaseURL
	}
	return &GitHubStore{
		Owner:      opts.Owner,
		Repo:       opts.Repo,
		Branch:     branch,
		RawBaseURL: rawBase,
		Committer: github.CommitAuthor{
			Name:  github.Ptr(opts.CommitterName),
			Email: github.Ptr(opts.CommitterEmail),
		},
		client: client,
		httpc:  httpc,
	}
}

// fileOptions assembles the commit options shared by all writes.
func (s *GitHubStore) fileOptions(message string, data []byte, rev Revision) *github.RepositoryContentFileOptions {
	opts := &github.RepositoryContentFileOptions{
		Message:   github.Ptr(message),
		Branch:    github.Ptr(s.Branch),
		Committer: &s.Committer,
	}
	if data != nil {
		opts.Content = data
	}
	if rev != "" {
		opts.SHA = github.Ptr(string(rev))
	}
	return opts
}

// Read fetches path at the configured branch. Returns (nil, nil) when the
// path does not exist. Files larger than the contents-API inline limit come
// back without content, in which case the bytes are fetched from the raw
// host and paired with the SHA from the API response.
func (s *GitHubStore) Read(ctx context.Context, path string) (*Blob, error) {
	file, _, _, err := s.client.GetContents(ctx, s.Owner, s.Repo, path, &github.RepositoryContentGetOptions{Ref: s.Branch})
	if err != nil {
		if isGitHubNotFound(err) {
			return nil, nil
		}
		return nil, classifyGitHubError(fmt.Sprintf("reading %s", path), err)
	}
	if file == nil {
		// The path resolved to a directory listing, not a file.
		return nil, apierr.Newf(apierr.KindInvalidArgument, "path is a directory: %s", path)
	}

	content, err := file.GetContent()
	if err != nil {
		// Inline content is omitted for blobs over the API size limit; the
		// client reports encoding "none" for those. Fetch the bytes from
		// the raw host and pair them with the SHA from this response.
		if file.GetEncoding() == "none" {
			data, perr := s.ReadPublic(ctx, path)
			if perr != nil {
				return nil, perr
			}
			return &Blob{Data: data, Rev: Revision(file.GetSHA())}, nil
		}
		return nil, apierr.Wrapf(apierr.KindTransient, err, "decoding content of %s", path)
	}

	return &Blob{Data: []byte(content), Rev: Revision(file.GetSHA())}, nil
}

// Stat returns the blob SHA of path, or ("", nil) when absent.
func (s *GitHubStore) Stat(ctx context.Context, path string) (Revision, error) {
	file, _, _, err := s.client.GetContents(ctx, s.Owner, s.Repo, path, &github.RepositoryContentGetOptions{Ref: s.Branch})
	if err != nil {
		if isGitHubNotFound(err) {
			return "", nil
		}
		return "", classifyGitHubError(fmt.Sprintf("checking %s", path), err)
	}
	if file == nil {
		return "", apierr.Newf(apierr.KindInvalidArgument, "path is a directory: %s", path)
	}
	return Revision(file.GetSHA()), nil
}

// Create writes a new file at path with message as the commit message.
func (s *GitHubStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	resp, _, err := s.client.CreateFile(ctx, s.Owner, s.Repo, path, s.fileOptions(message, data, ""))
	if err != nil {
		// The contents API rejects a create of an existing path because
		// no expected SHA was supplied.
		if isGitHubPreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "path already exists: %s", path)
		}
		return "", classifyGitHubError(fmt.Sprintf("creating %s", path), err)
	}
	if resp == nil || resp.Content == nil {
		return "", apierr.Newf(apierr.KindTransient, "create of %s returned no content metadata", path)
	}
	return Revision(resp.Content.GetSHA()), nil
}

// Update overwrites path, expecting rev to be the current blob SHA.
func (s *GitHubStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	if rev == "" {
		return "", apierr.Newf(apierr.KindInvalidArgument, "update of %s requires the current revision", path)
	}
	resp, _, err := s.client.UpdateFile(ctx, s.Owner, s.Repo, path, s.fileOptions(message, data, rev))
	if err != nil {
		if isGitHubNotFound(err) {
			return "", apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isGitHubPreconditionFailed(err) {
			return "", apierr.Wrapf(apierr.KindConflict, err, "revision mismatch for %s", path)
		}
		return "", classifyGitHubError(fmt.Sprintf("updating %s", path), err)
	}
	if resp == nil || resp.Content == nil {
		return "", apierr.Newf(apierr.KindTransient, "update of %s returned no content metadata", path)
	}
	return Revision(resp.Content.GetSHA()), nil
}

// Delete removes path, expecting rev to be the current blob SHA.
func (s *GitHubStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	if rev == "" {
		return apierr.Newf(apierr.KindInvalidArgument, "delete of %s requires the current revision", path)
	}
	_, _, err := s.client.DeleteFile(ctx, s.Owner, s.Repo, path, s.fileOptions(message, nil, rev))
	if err != nil {
		if isGitHubNotFound(err) {
			return apierr.Wrapf(apierr.KindNotFound, err, "path not found: %s", path)
		}
		if isGitHubPreconditionFailed(err) {
			return apierr.Wrapf(apierr.KindConflict, err, "revision mismatch for %s", path)
		}
		return classifyGitHubError(fmt.Sprintf("deleting %s", path), err)
	}
	return nil
}

// ReadPublic fetches path from the raw content host without authentication.
func (s *GitHubStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/%s", s.RawBaseURL, s.Owner, s.Repo, s.Branch, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindInternal, err, "building raw request for %s", path)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "fetching raw content of %s", path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apierr.Wrapf(apierr.KindTransient, err, "reading raw content of %s", path)
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apierr.Newf(apierr.KindTransient, "raw host returned %d for %s", resp.StatusCode, path)
	default:
		return nil, apierr.Newf(apierr.KindInternal, "raw host returned %d for %s", resp.StatusCode, path)
	}
}

// List walks the git tree at the branch head and returns all blob paths
// under prefix.
func (s *GitHubStore) List(ctx context.Context, prefix string) ([]string, error) {
	tree, _, err := s.client.GetTree(ctx, s.Owner, s.Repo, s.Branch, true)
	if err != nil {
		if isGitHubNotFound(err) {
			// An empty repository has no tree yet.
			return nil, nil
		}
		return nil, classifyGitHubError("listing repository tree", err)
	}

	var paths []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		if p := entry.GetPath(); strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// HealthCheck verifies the repository is reachable with the configured
// credentials.
func (s *GitHubStore) HealthCheck(ctx context.Context) error {
	_, _, err := s.client.GetRepo(ctx, s.Owner, s.Repo)
	if err != nil {
		return classifyGitHubError(fmt.Sprintf("checking repository %s/%s", s.Owner, s.Repo), err)
	}
	return nil
}

// isGitHubNotFound reports whether err is a 404 from the GitHub API.
func isGitHubNotFound(err error) bool {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// isGitHubPreconditionFailed reports whether err is the API's rejection of a
// write whose expected SHA was missing or stale (409, or 422 mentioning the
// sha field).
func isGitHubPreconditionFailed(err error) bool {
	var errResp *github.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil {
		return false
	}
	switch errResp.Response.StatusCode {
	case http.StatusConflict:
		return true
	case http.StatusUnprocessableEntity:
		return strings.Contains(strings.ToLower(errResp.Message), "sha")
	}
	return false
}

// classifyGitHubError maps a go-github error to the error kinds the rest of
// the system understands.
func classifyGitHubError(op string, err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return apierr.Wrapf(apierr.KindTransient, err, "%s: rate limited", op)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return apierr.Wrapf(apierr.KindTransient, err, "%s: rate limited", op)
	}

	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		switch {
		case status == http.StatusNotFound:
			return apierr.Wrapf(apierr.KindNotFound, err, "%s", op)
		case status == http.StatusConflict:
			return apierr.Wrapf(apierr.KindConflict, err, "%s", op)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return apierr.Wrapf(apierr.KindInternal, err, "%s: authorization failed", op)
		case status >= 500 || status == http.StatusTooManyRequests:
			return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
		}
		return apierr.Wrapf(apierr.KindInternal, err, "%s", op)
	}

	// Anything else is a transport-level failure worth retrying.
	return apierr.Wrapf(apierr.KindTransient, err, "%s", op)
}

// Ensure GitHubStore implements Store at compile time.
var _ Store = (*GitHubStore)(nil)
