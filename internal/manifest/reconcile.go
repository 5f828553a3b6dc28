package manifest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/minegallery/minegallery/internal/blobstore"
	apierr "github.com/minegallery/minegallery/internal/errors"
)

// DanglingRecord identifies a manifest record whose blob no longer exists.
type DanglingRecord struct {
	Album string `json:"album"`
	Path  string `json:"path"`
}

// Report summarizes a consistency scan of the manifest against the store.
// Orphans are stored blobs no record references (left behind by an aborted
// upload batch or an incomplete rename); dangling records reference blobs
// that are gone (a delete whose manifest commit failed).
type Report struct {
	Albums   int              `json:"albums"`
	Records  int              `json:"records"`
	Blobs    int              `json:"blobs"`
	Orphans  []string         `json:"orphans"`
	Dangling []DanglingRecord `json:"dangling"`
}

// Clean reports whether the scan found nothing to repair.
func (r *Report) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Dangling) == 0
}

// Reconciler detects and repairs the two inconsistencies the workflows can
// leave behind. It is operator tooling: workflows never invoke it, and both
// repair operations act only on what a fresh scan finds at call time.
type Reconciler struct {
	store blobstore.Store
	repo  *Repository
	log   *slog.Logger
}

// NewReconciler returns a Reconciler over the same store the repository
// writes to.
func NewReconciler(store blobstore.Store, repo *Repository, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, repo: repo, log: log}
}

// Scan loads the manifest, lists every stored blob, and reports orphans and
// dangling records. Scanning mutates nothing. A corrupt manifest propagates
// as corrupt_manifest; reconciliation cannot repair corruption.
func (rc *Reconciler) Scan(ctx context.Context) (*Report, error) {
	_, report, err := rc.scan(ctx)
	return report, err
}

func (rc *Reconciler) scan(ctx context.Context) (*Manifest, *Report, error) {
	m, err := rc.repo.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	paths, err := rc.store.List(ctx, "")
	if err != nil {
		return nil, nil, err
	}

	stored := make(map[string]bool, len(paths))
	report := &Report{
		Albums:   len(m.Albums),
		Records:  m.TotalImages(),
		Orphans:  []string{},
		Dangling: []DanglingRecord{},
	}
	for _, p := range paths {
		if !isGalleryBlob(p) {
			continue
		}
		stored[p] = true
		report.Blobs++
	}

	recorded := m.PathSet()
	for _, p := range paths {
		if isGalleryBlob(p) && !recorded[p] {
			report.Orphans = append(report.Orphans, p)
		}
	}
	for _, album := range m.AlbumNames() {
		for _, rec := range m.Albums[album] {
			if !stored[rec.Path] {
				report.Dangling = append(report.Dangling, DanglingRecord{Album: album, Path: rec.Path})
			}
		}
	}
	return m, report, nil
}

// isGalleryBlob reports whether a stored path is album content. The
// manifest, root-level files, and anything under a dot-directory are
// repository infrastructure and never count as orphans.
func isGalleryBlob(p string) bool {
	if p == Path || strings.HasPrefix(p, ".") {
		return false
	}
	return strings.IndexByte(p, '/') > 0
}

// PruneOrphans runs a fresh scan and deletes every orphaned blob it finds,
// returning how many were removed. A blob that disappears between the scan
// and its delete is skipped; other failures abort with the blobs pruned so
// far already gone.
func (rc *Reconciler) PruneOrphans(ctx context.Context) (int, error) {
	_, report, err := rc.scan(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, p := range report.Orphans {
		rev, err := rc.store.Stat(ctx, p)
		if err != nil {
			return pruned, err
		}
		if rev == "" {
			continue
		}
		if err := rc.store.Delete(ctx, p, rev, "Prune orphaned blob "+p); err != nil {
			if apierr.IsNotFound(err) {
				continue
			}
			return pruned, err
		}
		rc.log.Info("pruned orphaned blob", "path", p)
		pruned++
	}
	return pruned, nil
}

// RepairDangling runs a fresh scan, drops every dangling record from the
// manifest, and commits the result. When the scan finds nothing dangling the
// manifest is left untouched and no commit happens.
func (rc *Reconciler) RepairDangling(ctx context.Context) (*Manifest, int, error) {
	m, report, err := rc.scan(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(report.Dangling) == 0 {
		return m, 0, nil
	}

	gone := make(map[string]bool, len(report.Dangling))
	for _, d := range report.Dangling {
		gone[d.Path] = true
	}
	for album, records := range m.Albums {
		kept := records[:0]
		for _, rec := range records {
			if !gone[rec.Path] {
				kept = append(kept, rec)
			}
		}
		m.Albums[album] = kept
	}

	summary := "Remove dangling manifest records"
	if err := rc.repo.Commit(ctx, m, summary); err != nil {
		return nil, 0, err
	}
	rc.log.Info("repaired dangling records", "removed", len(report.Dangling))
	return m, len(report.Dangling), nil
}
