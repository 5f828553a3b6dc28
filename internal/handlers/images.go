package handlers

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/nfnt/resize"

	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/jsonutil"
	"github.com/minegallery/minegallery/internal/manifest"
)

// multipartMemoryBytes is the in-memory threshold for parsed multipart
// bodies; larger uploads spill to temp files.
const multipartMemoryBytes = 8 << 20

// maxScaleWidth bounds the ?width= query parameter.
const maxScaleWidth = 4096

// UploadImages handles POST /api/v1/albums/{album}/images. The request
// is multipart/form-data with one or more parts in the "files" field.
// Blobs upload first and the manifest commits last; on failure earlier
// uploads are not rolled back.
func (h *GalleryHandler) UploadImages(w http.ResponseWriter, r *http.Request) {
	album := albumParam(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		jsonutil.RenderError(w, r, apierr.Wrap(apierr.KindInvalidArgument, "parsing multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		jsonutil.RenderError(w, r, apierr.New(apierr.KindInvalidArgument, `multipart field "files" is required`))
		return
	}
	files := make([]manifest.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readMultipartFile(fh)
		if err != nil {
			jsonutil.RenderError(w, r, err)
			return
		}
		files = append(files, manifest.File{Name: fh.Filename, Data: data})
	}

	m, err := h.repo.AddImages(r.Context(), album, files)
	if err != nil {
		h.log.Error("upload images failed", "album", album, "count", len(files), "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, renderManifest(m))
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindInvalidArgument, err, "opening upload %q", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apierr.Wrapf(apierr.KindInvalidArgument, err, "reading upload %q", fh.Filename)
	}
	return data, nil
}

// DeleteImage handles DELETE /api/v1/albums/{album}/images/*. The
// wildcard is the repo-relative blob path of the image to remove.
func (h *GalleryHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	album := albumParam(r)
	p := wildcardPath(r)
	m, err := h.repo.DeleteImage(r.Context(), album, p)
	if err != nil {
		h.log.Error("delete image failed", "album", album, "path", p, "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, renderManifest(m))
}

// GetImage handles GET /api/v1/images/*. It streams the raw blob
// bytes. An optional ?width= parameter scales the image down to that
// width preserving aspect ratio; images already narrower, and formats
// the decoder does not recognize, are served unchanged. Blob paths
// embed their upload timestamp, so responses cache well.
func (h *GalleryHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	p := wildcardPath(r)
	width, err := widthParam(r)
	if err != nil {
		jsonutil.RenderError(w, r, err)
		return
	}
	data, err := h.store.ReadPublic(r.Context(), p)
	if err != nil {
		h.log.Error("read image failed", "path", p, "error", err)
		jsonutil.RenderError(w, r, err)
		return
	}
	ct := contentTypeForPath(p)
	if width > 0 {
		scaled, scaledCT, err := scaleImage(data, width)
		if err != nil {
			h.log.Debug("serving image unscaled", "path", p, "error", err)
		} else {
			data, ct = scaled, scaledCT
		}
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// scaleImage decodes data, scales it down to the requested width, and
// re-encodes it in its original format. Images at or below the target
// width come back untouched.
func scaleImage(data []byte, width int) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	if img.Bounds().Dx() <= width {
		return data, "image/" + format, nil
	}
	scaled := resize.Resize(uint(width), 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, scaled, nil)
	case "gif":
		err = gif.Encode(&buf, scaled, nil)
	default:
		format = "png"
		err = png.Encode(&buf, scaled)
	}
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/" + format, nil
}
