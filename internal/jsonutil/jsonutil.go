// Package jsonutil provides helpers for rendering JSON API responses.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"net/http"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// ErrorBody is the machine-readable error object inside an error response.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON structure for all API error responses.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
}

// RenderError writes a JSON error response for err. The request ID is taken
// from the X-Request-Id header set by the common headers middleware.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := w.Header().Get("X-Request-Id")

	resp := ErrorResponse{
		Error: ErrorBody{
			Kind:    string(apierr.KindOf(err)),
			Message: apierr.MessageOf(err),
		},
		RequestID: requestID,
	}
	WriteJSON(w, apierr.StatusFor(err), resp)
}

// WriteJSON marshals v as JSON and writes it to w with the given HTTP
// status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":{"kind":"internal","message":"encoding response: %v"}}`, err)
	}
}

// DecodeJSON reads a JSON request body into v, rejecting unknown fields and
// bodies larger than maxBytes.
func DecodeJSON(r *http.Request, v interface{}, maxBytes int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.KindInvalidArgument, "parsing request body", err)
	}
	return nil
}
