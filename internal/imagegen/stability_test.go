package imagegen

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// --- Test helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL, promptPrefix string) *StabilityClient {
	t.Helper()
	return NewStabilityClient(StabilityOptions{
		BaseURL:      baseURL,
		EnginePath:   "/v2beta/stable-image/generate/core",
		APIKey:       "sk-test",
		PromptPrefix: promptPrefix,
		OutputFormat: "png",
		Timeout:      5 * time.Second,
	}, testLogger())
}

// --- Tests ---

func TestGenerate(t *testing.T) {
	pixels := []byte("fake png bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v2beta/stable-image/generate/core" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "image/*" {
			t.Errorf("accept = %q", got)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("prompt"); got != "dim tunnel, rusty ore cart" {
			t.Errorf("prompt = %q", got)
		}
		if got := r.FormValue("output_format"); got != "png" {
			t.Errorf("output_format = %q", got)
		}
		if got := r.FormValue("mode"); got != "" {
			t.Errorf("mode should be absent for text-to-image, got %q", got)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pixels)
	}))
	defer srv.Close()

	img, err := newTestClient(t, srv.URL, "dim tunnel,").Generate(context.Background(), Request{
		Prompt: "rusty ore cart",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bytes.Equal(img.Data, pixels) {
		t.Errorf("image data = %q", img.Data)
	}
	if img.MIME != "image/png" {
		t.Errorf("mime = %q", img.MIME)
	}
}

func TestGenerateImageToImage(t *testing.T) {
	reference := []byte("reference pixels")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("mode"); got != "image-to-image" {
			t.Errorf("mode = %q", got)
		}
		if got := r.FormValue("strength"); got != imageToImageStrength {
			t.Errorf("strength = %q", got)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("image part missing: %v", err)
		}
		defer file.Close()
		if header.Filename != "lamp.png" {
			t.Errorf("reference filename = %q", header.Filename)
		}
		got, _ := io.ReadAll(file)
		if !bytes.Equal(got, reference) {
			t.Error("reference bytes did not survive the upload")
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("out"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "").Generate(context.Background(), Request{
		Prompt:        "a carbide lamp",
		Reference:     reference,
		ReferenceName: "lamp.png",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestGeneratePromptPassedVerbatimWithoutPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(32 << 20)
		if got := r.FormValue("prompt"); got != "bare prompt" {
			t.Errorf("prompt = %q", got)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("out"))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, "").Generate(context.Background(), Request{Prompt: "bare prompt"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestGenerateProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"name":"bad_request","errors":["prompt violates content policy"]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "").Generate(context.Background(), Request{Prompt: "something"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if apierr.KindOf(err) != apierr.KindGeneration {
		t.Errorf("kind = %q, want %q", apierr.KindOf(err), apierr.KindGeneration)
	}
	if msg := err.Error(); !bytes.Contains([]byte(msg), []byte("prompt violates content policy")) {
		t.Errorf("provider message not surfaced: %q", msg)
	}
}

func TestGenerateRetryableStatuses(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"message":"try later"}`))
		}))
		_, err := newTestClient(t, srv.URL, "").Generate(context.Background(), Request{Prompt: "x"})
		srv.Close()
		if apierr.KindOf(err) != apierr.KindTransient {
			t.Errorf("status %d: kind = %q, want %q", status, apierr.KindOf(err), apierr.KindTransient)
		}
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	for _, prompt := range []string{"", "   "} {
		_, err := newTestClient(t, srv.URL, "").Generate(context.Background(), Request{Prompt: prompt})
		if apierr.KindOf(err) != apierr.KindInvalidArgument {
			t.Errorf("prompt %q: kind = %q, want %q", prompt, apierr.KindOf(err), apierr.KindInvalidArgument)
		}
	}
	if requests != 0 {
		t.Errorf("empty prompts reached the provider %d times", requests)
	}
}

func TestGenerateProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, "").Generate(context.Background(), Request{Prompt: "x"})
	if apierr.KindOf(err) != apierr.KindTransient {
		t.Errorf("kind = %q, want %q", apierr.KindOf(err), apierr.KindTransient)
	}
}

func TestProviderMessage(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"out of credits"}`, "out of credits"},
		{"errors field", `{"errors":["a","b"]}`, "a; b"},
		{"name only", `{"name":"internal_error"}`, "internal_error"},
		{"raw text", `gateway timeout`, "gateway timeout"},
		{"empty", ``, "no error detail"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := providerMessage([]byte(tc.body)); got != tc.want {
				t.Errorf("providerMessage = %q, want %q", got, tc.want)
			}
		})
	}
}
