// Package manifest implements the gallery index and the workflows that keep
// it consistent with the blobs stored alongside it. A single JSON document,
// manifest.json, is the source of truth for which images are live; every
// mutation re-reads it fresh, applies its changes, and writes it back as a
// whole-file replacement guarded by the store's per-path revision check.
package manifest

import (
	"encoding/json"
	"sort"
	"time"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// Path is the repository-relative location of the gallery index.
const Path = "manifest.json"

// ReservedAlbum always exists, is the default target for uploads, and can
// never be deleted or renamed.
const ReservedAlbum = "normal"

// ImageRecord is one gallery entry. Path is repository-relative with no
// leading separator and unique across the whole manifest. Records are
// immutable once created except through delete and rename.
type ImageRecord struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Manifest maps album names to their ordered image records. Album names are
// case-sensitive slugs, and every record path begins with "<album>/" for the
// album that holds it.
type Manifest struct {
	Albums map[string][]ImageRecord `json:"albums"`
}

// New returns the bootstrap manifest: the reserved album and nothing else.
func New() *Manifest {
	return &Manifest{Albums: map[string][]ImageRecord{ReservedAlbum: {}}}
}

// legacyManifest is the pre-album index shape, a flat record list. It is
// accepted on read only and never written back.
type legacyManifest struct {
	Images []ImageRecord `json:"images"`
}

// Decode parses manifest bytes. Three shapes are recognized: the current
// album mapping, the legacy flat list (migrated in-memory into the reserved
// album), and the empty object (treated as bootstrap). Anything else is
// reported as corrupt rather than silently replaced with an empty manifest,
// so genuine corruption cannot masquerade as a fresh repository.
func Decode(data []byte) (*Manifest, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, apierr.Wrap(apierr.KindCorruptManifest, "manifest is not a JSON object", err)
	}
	if raw, ok := probe["albums"]; ok {
		var albums map[string][]ImageRecord
		if err := json.Unmarshal(raw, &albums); err != nil {
			return nil, apierr.Wrap(apierr.KindCorruptManifest, "manifest albums key is malformed", err)
		}
		m := &Manifest{Albums: albums}
		m.ensureReserved()
		return m, nil
	}
	if raw, ok := probe["images"]; ok {
		var legacy []ImageRecord
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, apierr.Wrap(apierr.KindCorruptManifest, "legacy manifest images key is malformed", err)
		}
		if legacy == nil {
			legacy = []ImageRecord{}
		}
		return &Manifest{Albums: map[string][]ImageRecord{ReservedAlbum: legacy}}, nil
	}
	if len(probe) == 0 {
		return New(), nil
	}
	return nil, apierr.New(apierr.KindCorruptManifest, "manifest has neither albums nor images key")
}

// Encode renders the manifest as indented JSON. Map keys marshal in sorted
// order, so equal manifests always produce identical bytes.
func (m *Manifest) Encode() ([]byte, error) {
	m.ensureReserved()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "encode manifest", err)
	}
	return append(data, '\n'), nil
}

// Clone returns a deep copy. Workflows mutate copies so a failed commit
// leaves the caller's manifest untouched.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{Albums: make(map[string][]ImageRecord, len(m.Albums))}
	for name, records := range m.Albums {
		c.Albums[name] = append([]ImageRecord(nil), records...)
	}
	return c
}

// AlbumNames returns all album names in lexicographic order. Presentation
// ordering is computed here at read time, never stored.
func (m *Manifest) AlbumNames() []string {
	names := make([]string, 0, len(m.Albums))
	for name := range m.Albums {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindRecord locates the record with the exact path inside the album and
// returns its index, or -1 when the album or path is unknown.
func (m *Manifest) FindRecord(album, path string) int {
	for i, rec := range m.Albums[album] {
		if rec.Path == path {
			return i
		}
	}
	return -1
}

// TotalImages counts records across all albums.
func (m *Manifest) TotalImages() int {
	n := 0
	for _, records := range m.Albums {
		n += len(records)
	}
	return n
}

// PathSet returns every record path keyed for membership tests.
func (m *Manifest) PathSet() map[string]bool {
	set := make(map[string]bool, m.TotalImages())
	for _, records := range m.Albums {
		for _, rec := range records {
			set[rec.Path] = true
		}
	}
	return set
}

func (m *Manifest) ensureReserved() {
	if m.Albums == nil {
		m.Albums = make(map[string][]ImageRecord, 1)
	}
	if _, ok := m.Albums[ReservedAlbum]; !ok {
		m.Albums[ReservedAlbum] = []ImageRecord{}
	}
}
