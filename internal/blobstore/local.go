package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/uid"
)

// localTempDir is the directory under the store root used for staging
// writes. Blob paths are not allowed to enter it.
const localTempDir = ".tmp"

// LocalStore implements the Store interface on the local filesystem.
// Blobs are stored as plain files under a root directory, and revisions
// are hex MD5 digests of the file content. Writes stage into a temp file,
// fsync, then rename, so a crash never leaves a half-written blob at its
// final path. A process-wide mutex serializes mutations; readers rely on
// rename atomicity. Write messages are ignored since the filesystem keeps
// no commit log.
type LocalStore struct {
	mu   sync.Mutex
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating the root and
// its staging directory if needed. Temp files left behind by a crash are
// swept on open.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "creating store root %s", dir)
	}
	tmpDir := filepath.Join(dir, localTempDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "creating staging directory %s", tmpDir)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "reading staging directory %s", tmpDir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return &LocalStore{root: dir}, nil
}

// fileRevision is the revision tag for a blob with the given content.
func fileRevision(data []byte) Revision {
	sum := md5.Sum(data)
	return Revision(hex.EncodeToString(sum[:]))
}

// filePath maps a slash-separated blob path to its location under the
// store root, rejecting paths that would escape it or enter the staging
// directory.
func (s *LocalStore) filePath(p string) (string, error) {
	if p == "" || path.IsAbs(p) {
		return "", apierr.Newf(apierr.KindInvalidArgument, "invalid blob path %q", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apierr.Newf(apierr.KindInvalidArgument, "invalid blob path %q", p)
	}
	if clean == localTempDir || strings.HasPrefix(clean, localTempDir+"/") {
		return "", apierr.Newf(apierr.KindInvalidArgument, "invalid blob path %q", p)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// writeFile stages data into the temp directory and renames it onto
// target. The parent directory is created if needed.
func (s *LocalStore) writeFile(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmpPath := filepath.Join(s.root, localTempDir, "tmp-"+uid.New())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// readIfExists returns the file content, or (nil, nil) when absent.
func readIfExists(target string) ([]byte, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Read returns the blob at path, or (nil, nil) when absent.
func (s *LocalStore) Read(ctx context.Context, path string) (*Blob, error) {
	target, err := s.filePath(path)
	if err != nil {
		return nil, err
	}
	data, err := readIfExists(target)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "reading %s", path)
	}
	if data == nil {
		return nil, nil
	}
	return &Blob{Data: data, Rev: fileRevision(data)}, nil
}

// Stat returns the current revision of path, or ("", nil) when absent.
func (s *LocalStore) Stat(ctx context.Context, path string) (Revision, error) {
	target, err := s.filePath(path)
	if err != nil {
		return "", err
	}
	data, err := readIfExists(target)
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "checking %s", path)
	}
	if data == nil {
		return "", nil
	}
	return fileRevision(data), nil
}

// Create writes a new file at path, failing with a conflict when it exists.
func (s *LocalStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	target, err := s.filePath(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(target); err == nil {
		return "", apierr.Newf(apierr.KindConflict, "path already exists: %s", path)
	} else if !os.IsNotExist(err) {
		return "", apierr.Wrapf(apierr.KindTransient, err, "creating %s", path)
	}
	if err := s.writeFile(target, data); err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "creating %s", path)
	}
	return fileRevision(data), nil
}

// Update overwrites path when rev matches the current content revision.
func (s *LocalStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	target, err := s.filePath(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := readIfExists(target)
	if err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
	}
	if current == nil {
		return "", apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	if fileRevision(current) != rev {
		return "", apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}
	if err := s.writeFile(target, data); err != nil {
		return "", apierr.Wrapf(apierr.KindTransient, err, "updating %s", path)
	}
	return fileRevision(data), nil
}

// Delete removes path when rev matches the current content revision.
// Empty parent directories are pruned up to the store root.
func (s *LocalStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	target, err := s.filePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := readIfExists(target)
	if err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
	}
	if current == nil {
		return apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	if fileRevision(current) != rev {
		return apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}
	if err := os.Remove(target); err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "deleting %s", path)
	}

	root := filepath.Clean(s.root)
	dir := filepath.Dir(target)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			// Directory not empty: stop climbing.
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// ReadPublic returns the content of path. The local store has no separate
// public surface, so this reads the file directly with a not-found error
// for absent paths.
func (s *LocalStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	target, err := s.filePath(path)
	if err != nil {
		return nil, err
	}
	data, err := readIfExists(target)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "reading %s", path)
	}
	if data == nil {
		return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	return data, nil
}

// List returns all stored paths under prefix in lexicographic order.
// Paths are slash-separated and relative to the store root.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	tmpDir := filepath.Join(s.root, localTempDir)
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			paths = append(paths, name)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindTransient, err, "listing %s", prefix)
	}
	sort.Strings(paths)
	return paths, nil
}

// HealthCheck verifies that the store root is accessible.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return apierr.Wrapf(apierr.KindTransient, err, "checking store root %s", s.root)
	}
	return nil
}

// Ensure LocalStore implements Store at compile time.
var _ Store = (*LocalStore)(nil)
