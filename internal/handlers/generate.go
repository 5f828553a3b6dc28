package handlers

import (
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/minegallery/minegallery/internal/blobstore"
	"github.com/minegallery/minegallery/internal/imagegen"
	"github.com/minegallery/minegallery/internal/jsonutil"
)

// GenerateHandler serves image generation requests. Generated bytes
// are returned to the caller directly and are never written to the
// store; uploading the result is a separate, explicit step.
type GenerateHandler struct {
	gen   imagegen.Generator
	store blobstore.Store
	log   *slog.Logger
}

// NewGenerateHandler creates a new GenerateHandler.
func NewGenerateHandler(gen imagegen.Generator, store blobstore.Store, log *slog.Logger) *GenerateHandler {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateHandler{gen: gen, store: store, log: log}
}

type generateRequest struct {
	Prompt        string `json:"prompt"`
	ReferencePath string `json:"referencePath,omitempty"`
}

// Generate handles POST /api/v1/generate. When referencePath names a
// blob in the store, its bytes guide the generation (image-to-image);
// a missing reference fails the request before the provider is called.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := jsonutil.DecodeJSON(r, &req, maxJSONBodyBytes); err != nil {
		jsonutil.RenderError(w, r, err)
		return
	}

	genReq := imagegen.Request{Prompt: req.Prompt}
	if req.ReferencePath != "" {
		data, err := h.store.ReadPublic(r.Context(), req.ReferencePath)
		if err != nil {
			h.log.Error("reference image unavailable", "path", req.ReferencePath, "error", err)
			jsonutil.RenderError(w, r, err)
			return
		}
		genReq.Reference = data
		genReq.ReferenceName = path.Base(req.ReferencePath)
	}

	img, err := h.gen.Generate(r.Context(), genReq)
	if err != nil {
		h.log.Error("image generation failed", "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", img.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}
