// Package handlers implements the HTTP handlers for the gallery API.
//
// Handlers parse and validate the request, call into the manifest
// repository or the image generator, and render the result as JSON.
// All error responses go through jsonutil.RenderError so the payload
// shape and status mapping stay uniform across routes.
package handlers

import (
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/manifest"
)

// maxJSONBodyBytes caps JSON request bodies. Album names and prompts
// are short; anything near this limit is malformed or hostile.
const maxJSONBodyBytes = 1 << 20

// albumView is one album in an API response, with its image records
// in manifest order.
type albumView struct {
	Name   string                 `json:"name"`
	Images []manifest.ImageRecord `json:"images"`
}

// albumsResponse is the JSON body returned by the album listing and by
// every mutation that commits a new manifest. Albums are ordered
// lexicographically by name; ordering is computed here at render time,
// the manifest itself carries no order.
type albumsResponse struct {
	Albums []albumView `json:"albums"`
}

func renderManifest(m *manifest.Manifest) albumsResponse {
	resp := albumsResponse{Albums: make([]albumView, 0, len(m.Albums))}
	for _, name := range m.AlbumNames() {
		records := m.Albums[name]
		if records == nil {
			records = []manifest.ImageRecord{}
		}
		resp.Albums = append(resp.Albums, albumView{Name: name, Images: records})
	}
	return resp
}

// albumParam returns the {album} route parameter.
func albumParam(r *http.Request) string {
	return chi.URLParam(r, "album")
}

// wildcardPath returns the trailing wildcard of the route as a
// repo-relative blob path, e.g. "coal/coal_1700000000000_lamp.png".
func wildcardPath(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// widthParam parses the optional ?width= query parameter. Zero means
// no scaling was requested.
func widthParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("width")
	if raw == "" {
		return 0, nil
	}
	w, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Newf(apierr.KindInvalidArgument, "invalid width %q", raw)
	}
	if w <= 0 || w > maxScaleWidth {
		return 0, apierr.Newf(apierr.KindInvalidArgument, "width must be between 1 and %d", maxScaleWidth)
	}
	return w, nil
}

// contentTypeForPath guesses a Content-Type from the blob path
// extension. Unknown extensions are served as opaque bytes.
func contentTypeForPath(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
