package manifest

import (
	"fmt"
	"path"
	"strings"
)

// Slugify lowercases s and collapses every run of non-alphanumeric characters
// into a single hyphen. The result is safe for use in blob paths and album
// names; it is empty when s contains no letters or digits at all.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}

// IsSlug reports whether s is already in slug form and usable as an album
// name.
func IsSlug(s string) bool {
	return s != "" && s == Slugify(s)
}

// BlobPath synthesizes the storage path for an uploaded file:
//
//	<album>/<album>_<timestampMillis>_<nameSlug><ext>
//
// The extension is taken from the original file name and lowercased; a name
// that slugs down to nothing becomes "image" so the path always carries a
// readable stem.
func BlobPath(album string, timestampMillis int64, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	base := strings.TrimSuffix(originalName, path.Ext(originalName))
	stem := Slugify(base)
	if stem == "" {
		stem = "image"
	}
	return fmt.Sprintf("%s/%s_%d_%s%s", album, Slugify(album), timestampMillis, stem, ext)
}
