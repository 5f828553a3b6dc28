package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minegallery/minegallery/internal/blobstore"
	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/metrics"
)

// File is one upload: the original client-supplied name and the raw bytes.
type File struct {
	Name string
	Data []byte
}

// Repository runs the mutation workflows against a blob store. Every
// workflow loads the manifest fresh, applies blob writes, and commits the
// updated manifest through a single choke point guarded by the store's
// revision check.
//
// Workflows perform NO compensating rollback of partial remote effects. An
// upload batch that fails midway leaves the already-uploaded blobs behind as
// orphans, and a blob delete whose manifest commit fails leaves a dangling
// record. Both are surfaced as errors and left for the reconciler; the store
// has no multi-file transactions, so this tradeoff is deliberate.
type Repository struct {
	store blobstore.Store
	log   *slog.Logger

	// now stamps upload batches; replaceable in tests.
	now func() time.Time
}

// NewRepository returns a Repository over store.
func NewRepository(store blobstore.Store, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{store: store, log: log, now: time.Now}
}

// Load fetches and decodes the current manifest. A missing manifest is the
// bootstrap state, not an error: a fresh manifest holding only the empty
// reserved album is returned. A manifest that exists but cannot be decoded
// propagates a corrupt_manifest error; it is never treated as empty.
func (r *Repository) Load(ctx context.Context) (*Manifest, error) {
	blob, err := r.store.Read(ctx, Path)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		r.log.Info("no manifest in store, using bootstrap state")
		return New(), nil
	}
	m, err := Decode(blob.Data)
	if err != nil {
		r.log.Error("stored manifest is corrupt", "path", Path, "error", err)
		return nil, err
	}
	return m, nil
}

// Commit writes m back as a whole-file replacement. It re-reads the current
// revision immediately before writing, not at workflow start, to narrow the
// window between concurrent editors. A conflict means another writer got
// there first; it propagates unmodified and the caller must reload and redo.
func (r *Repository) Commit(ctx context.Context, m *Manifest, summary string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	rev, err := r.store.Stat(ctx, Path)
	if err != nil {
		metrics.ManifestCommitsTotal.WithLabelValues("error").Inc()
		return err
	}
	if rev != "" {
		_, err = r.store.Update(ctx, Path, data, rev, summary)
	} else {
		_, err = r.store.Create(ctx, Path, data, summary)
	}
	switch {
	case err == nil:
		metrics.ManifestCommitsTotal.WithLabelValues("ok").Inc()
		r.log.Info("manifest committed", "summary", summary, "albums", len(m.Albums), "images", m.TotalImages())
		return nil
	case apierr.IsConflict(err):
		metrics.ManifestCommitsTotal.WithLabelValues("conflict").Inc()
		return err
	default:
		metrics.ManifestCommitsTotal.WithLabelValues("error").Inc()
		return err
	}
}

// AddImages uploads files into album and appends one record per file in
// upload order, creating the album entry if needed. Paths are synthesized
// from the batch timestamp plus a per-file increment, so two files added in
// the same call never collide. Blob uploads happen BEFORE the manifest is
// touched; if one fails, the remaining uploads are aborted and the blobs
// already uploaded in this batch stay behind as orphans.
func (r *Repository) AddImages(ctx context.Context, album string, files []File) (m *Manifest, err error) {
	defer func() { recordWorkflow("add_images", err) }()

	if !IsSlug(album) {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "album name must be a non-empty slug, got %q", album)
	}
	if len(files) == 0 {
		return nil, apierr.New(apierr.KindInvalidArgument, "no files to add")
	}
	if m, err = r.Load(ctx); err != nil {
		return nil, err
	}

	base := r.now().UnixMilli()
	records := make([]ImageRecord, 0, len(files))
	for i, f := range files {
		ts := base + int64(i)
		p := BlobPath(album, ts, f.Name)
		if _, err = r.store.Create(ctx, p, f.Data, "Add image "+p); err != nil {
			r.log.Error("upload failed, aborting batch; earlier uploads remain as orphans",
				"album", album, "path", p, "uploaded", len(records), "error", err)
			return nil, err
		}
		records = append(records, ImageRecord{Path: p, CreatedAt: time.UnixMilli(ts).UTC()})
	}
	m.Albums[album] = append(m.Albums[album], records...)

	summary := fmt.Sprintf("Add %d image(s) to %s", len(records), album)
	if err = r.Commit(ctx, m, summary); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteImage removes the blob at path and the album record that matches it
// by exact path equality, leaving every other record in its original order.
// A missing blob is not_found: there is nothing to delete. If the blob
// delete succeeds but the commit fails, the manifest keeps a dangling record
// until the reconciler repairs it.
func (r *Repository) DeleteImage(ctx context.Context, album, path string) (m *Manifest, err error) {
	defer func() { recordWorkflow("delete_image", err) }()

	if !strings.HasPrefix(path, album+"/") {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "path %q is not inside album %q", path, album)
	}
	if m, err = r.Load(ctx); err != nil {
		return nil, err
	}

	rev, err := r.store.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if rev == "" {
		return nil, apierr.Newf(apierr.KindNotFound, "image not found: %s", path)
	}
	if err = r.store.Delete(ctx, path, rev, "Delete image "+path); err != nil {
		return nil, err
	}
	if i := m.FindRecord(album, path); i >= 0 {
		m.Albums[album] = append(m.Albums[album][:i:i], m.Albums[album][i+1:]...)
	}

	if err = r.Commit(ctx, m, "Delete image "+path); err != nil {
		r.log.Warn("blob deleted but manifest commit failed; a dangling record remains",
			"path", path, "error", err)
		return nil, err
	}
	return m, nil
}

// DeleteAlbum removes every blob under album sequentially and then drops the
// album key. The reserved album is rejected before anything is loaded or
// deleted. Per-file not_found is skipped so a partially deleted album can
// still be finished; any other failure aborts with the blobs deleted so far
// already gone.
func (r *Repository) DeleteAlbum(ctx context.Context, album string) (m *Manifest, err error) {
	defer func() { recordWorkflow("delete_album", err) }()

	if album == ReservedAlbum {
		return nil, apierr.ErrProtectedAlbum
	}
	if m, err = r.Load(ctx); err != nil {
		return nil, err
	}
	records, ok := m.Albums[album]
	if !ok {
		return nil, apierr.Newf(apierr.KindNotFound, "album not found: %s", album)
	}

	for _, rec := range records {
		rev, statErr := r.store.Stat(ctx, rec.Path)
		if statErr != nil {
			err = statErr
			return nil, err
		}
		if rev == "" {
			continue
		}
		if delErr := r.store.Delete(ctx, rec.Path, rev, "Delete image "+rec.Path); delErr != nil {
			if apierr.IsNotFound(delErr) {
				continue
			}
			err = delErr
			return nil, err
		}
	}
	delete(m.Albums, album)

	if err = r.Commit(ctx, m, "Delete album "+album); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateRename applies the rename rules and returns the slug the new name
// will take: renaming the reserved album, a new name that slugs down to
// nothing or to the old name, and a slug that collides with an existing
// album are all invalid_rename. The collision rule needs the manifest; pass
// nil to check only the static rules. ValidateRename performs no I/O, so
// callers can pre-check a rename against their current manifest copy without
// touching the store.
func ValidateRename(m *Manifest, oldName, newName string) (string, error) {
	if oldName == ReservedAlbum {
		return "", apierr.New(apierr.KindInvalidRename, `the album "normal" is reserved and cannot be renamed`)
	}
	slug := Slugify(newName)
	if slug == "" {
		return "", apierr.Newf(apierr.KindInvalidRename, "new album name %q has no usable characters", newName)
	}
	if slug == oldName {
		return "", apierr.Newf(apierr.KindInvalidRename, "album is already named %q", oldName)
	}
	if m != nil {
		if _, exists := m.Albums[slug]; exists {
			return "", apierr.Newf(apierr.KindInvalidRename, "an album named %q already exists", slug)
		}
	}
	return slug, nil
}

// RenameAlbum moves every image in oldName under the slug of newName via
// copy-then-delete (the store has no atomic move), keeping each record's
// CreatedAt and rewriting its path. Static rename rules are checked before
// any store call; the collision rule is re-checked against the fresh load.
// A crash mid-rename leaves some images duplicated under both names until
// the operator intervenes; there is no automatic resumption.
func (r *Repository) RenameAlbum(ctx context.Context, oldName, newName string) (m *Manifest, err error) {
	defer func() { recordWorkflow("rename_album", err) }()

	slug, err := ValidateRename(nil, oldName, newName)
	if err != nil {
		return nil, err
	}
	if m, err = r.Load(ctx); err != nil {
		return nil, err
	}
	records, ok := m.Albums[oldName]
	if !ok {
		return nil, apierr.Newf(apierr.KindNotFound, "album not found: %s", oldName)
	}
	if _, err = ValidateRename(m, oldName, newName); err != nil {
		return nil, err
	}

	renamed := make([]ImageRecord, 0, len(records))
	for _, rec := range records {
		data, readErr := r.store.ReadPublic(ctx, rec.Path)
		if readErr != nil {
			err = readErr
			return nil, err
		}
		rev, statErr := r.store.Stat(ctx, rec.Path)
		if statErr != nil {
			err = statErr
			return nil, err
		}
		newPath := slug + "/" + strings.TrimPrefix(rec.Path, oldName+"/")
		if _, err = r.store.Create(ctx, newPath, data, fmt.Sprintf("Copy %s to %s", rec.Path, newPath)); err != nil {
			return nil, err
		}
		if err = r.store.Delete(ctx, rec.Path, rev, "Delete image "+rec.Path); err != nil {
			return nil, err
		}
		renamed = append(renamed, ImageRecord{Path: newPath, CreatedAt: rec.CreatedAt})
	}
	delete(m.Albums, oldName)
	m.Albums[slug] = renamed

	summary := fmt.Sprintf("Rename album %s to %s", oldName, slug)
	if err = r.Commit(ctx, m, summary); err != nil {
		return nil, err
	}
	return m, nil
}

func recordWorkflow(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apierr.KindOf(err))
	}
	metrics.WorkflowsTotal.WithLabelValues(op, outcome).Inc()
}
