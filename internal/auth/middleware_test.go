package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func authedHandler(t *testing.T, token string) http.Handler {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return Middleware(token)(ok)
}

func TestMiddlewareAllowsSafeMethods(t *testing.T) {
	h := authedHandler(t, "secret")
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/api/v1/albums", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s without token: status = %d, want 204", method, rec.Code)
		}
	}
}

func TestMiddlewareRejectsUnsafeMethodsWithoutToken(t *testing.T) {
	h := authedHandler(t, "secret")
	for _, method := range []string{http.MethodPost, http.MethodDelete, http.MethodPut} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/api/v1/albums/coal", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", method, rec.Code)
		}
	}
}

func TestMiddlewareRejectsWrongToken(t *testing.T) {
	h := authedHandler(t, "secret")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Kind != "unauthorized" {
		t.Errorf("error kind = %q", body.Error.Kind)
	}
}

func TestMiddlewareAcceptsCorrectToken(t *testing.T) {
	h := authedHandler(t, "secret")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestMiddlewareEmptyTokenDisablesAuth(t *testing.T) {
	h := authedHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/albums/coal", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer ", ""},
		{"Basic abc", ""},
		{"", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
