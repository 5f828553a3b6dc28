package handlers

import (
	"log/slog"
	"net/http"

	"github.com/minegallery/minegallery/internal/blobstore"
	"github.com/minegallery/minegallery/internal/jsonutil"
	"github.com/minegallery/minegallery/internal/manifest"
)

// GalleryHandler serves the album and image routes. Mutations go
// through the manifest repository; raw blob reads go straight to the
// store.
type GalleryHandler struct {
	repo           *manifest.Repository
	store          blobstore.Store
	log            *slog.Logger
	maxUploadBytes int64
}

// NewGalleryHandler creates a new GalleryHandler. maxUploadMB caps the
// total size of one multipart upload request.
func NewGalleryHandler(repo *manifest.Repository, store blobstore.Store, log *slog.Logger, maxUploadMB int) *GalleryHandler {
	if log == nil {
		log = slog.Default()
	}
	return &GalleryHandler{
		repo:           repo,
		store:          store,
		log:            log,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// ListAlbums handles GET /api/v1/albums. It returns every album with
// its image records, ordered lexicographically by album name.
func (h *GalleryHandler) ListAlbums(w http.ResponseWriter, r *http.Request) {
	m, err := h.repo.Load(r.Context())
	if err != nil {
		h.log.Error("list albums failed", "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, renderManifest(m))
}

// DeleteAlbum handles DELETE /api/v1/albums/{album}. Deleting the
// reserved album is refused before any remote call.
func (h *GalleryHandler) DeleteAlbum(w http.ResponseWriter, r *http.Request) {
	album := albumParam(r)
	m, err := h.repo.DeleteAlbum(r.Context(), album)
	if err != nil {
		h.log.Error("delete album failed", "album", album, "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, renderManifest(m))
}

type renameRequest struct {
	NewName string `json:"newName"`
}

// RenameAlbum handles POST /api/v1/albums/{album}/rename. The new name
// is slugified before use; the response reports the committed state,
// so the effective name may differ from the requested one.
func (h *GalleryHandler) RenameAlbum(w http.ResponseWriter, r *http.Request) {
	album := albumParam(r)
	var req renameRequest
	if err := jsonutil.DecodeJSON(r, &req, maxJSONBodyBytes); err != nil {
		jsonutil.RenderError(w, r, err)
		return
	}
	m, err := h.repo.RenameAlbum(r.Context(), album, req.NewName)
	if err != nil {
		h.log.Error("rename album failed", "album", album, "new_name", req.NewName, "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, renderManifest(m))
}
