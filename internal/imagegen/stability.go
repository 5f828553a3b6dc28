package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/metrics"
)

// imageToImageStrength controls how strongly a reference image steers the
// output. Low values keep the reference's composition mostly intact.
const imageToImageStrength = "0.35"

// StabilityOptions configures a StabilityClient.
type StabilityOptions struct {
	// BaseURL is the provider API root, e.g. https://api.stability.ai.
	BaseURL string
	// EnginePath is the generation endpoint under BaseURL.
	EnginePath string
	// APIKey is sent as a bearer token.
	APIKey string
	// PromptPrefix, when set, is prepended to every prompt so all output
	// shares the gallery's visual theme.
	PromptPrefix string
	// OutputFormat is the requested image format (png, jpeg, webp).
	OutputFormat string
	// Timeout bounds a single generation round trip.
	Timeout time.Duration
}

// StabilityClient generates images through a Stability-style REST endpoint:
// a multipart POST answered with raw image bytes.
type StabilityClient struct {
	opts  StabilityOptions
	httpc *http.Client
	log   *slog.Logger
}

// NewStabilityClient returns a client for the given provider endpoint.
func NewStabilityClient(opts StabilityOptions, log *slog.Logger) *StabilityClient {
	if opts.OutputFormat == "" {
		opts.OutputFormat = "png"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &StabilityClient{
		opts:  opts,
		httpc: &http.Client{Timeout: opts.Timeout},
		log:   log,
	}
}

// Generate renders one image. Provider failures surface as generation
// errors with the provider's own message; 408, 429, and 5xx responses are
// transient so the caller knows a retry may succeed.
func (c *StabilityClient) Generate(ctx context.Context, req Request) (*Image, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apierr.New(apierr.KindInvalidArgument, "prompt must not be empty")
	}

	body, contentType, err := c.encodeForm(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+c.opts.EnginePath, body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "build generation request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, apierr.Wrap(apierr.KindTransient, "image provider unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		return nil, apierr.Wrap(apierr.KindTransient, "read provider response", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		c.log.Warn("image generation failed", "status", resp.StatusCode, "detail", providerMessage(data))
		return nil, classifyProviderStatus(resp.StatusCode, data)
	}

	metrics.GenerationsTotal.WithLabelValues("ok").Inc()
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/" + c.opts.OutputFormat
	}
	c.log.Info("image generated", "bytes", len(data), "mime", mime, "elapsed", time.Since(start))
	return &Image{Data: data, MIME: mime}, nil
}

// encodeForm builds the multipart body: prompt and output format always,
// plus the reference image and strength in image-to-image mode.
func (c *StabilityClient) encodeForm(req Request) (*bytes.Buffer, string, error) {
	prompt := req.Prompt
	if c.opts.PromptPrefix != "" {
		prompt = c.opts.PromptPrefix + " " + req.Prompt
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("prompt", prompt); err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
	}
	if err := mw.WriteField("output_format", c.opts.OutputFormat); err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
	}
	if len(req.Reference) > 0 {
		if err := mw.WriteField("mode", "image-to-image"); err != nil {
			return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
		}
		if err := mw.WriteField("strength", imageToImageStrength); err != nil {
			return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
		}
		name := req.ReferenceName
		if name == "" {
			name = "reference.png"
		}
		part, err := mw.CreateFormFile("image", name)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
		}
		if _, err := part.Write(req.Reference); err != nil {
			return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "encode generation form", err)
	}
	return body, mw.FormDataContentType(), nil
}

// classifyProviderStatus maps a non-200 provider response to an error kind.
// 408, 429, and 5xx may succeed on retry; everything else is a terminal
// generation failure carrying the provider's message.
func classifyProviderStatus(status int, body []byte) error {
	msg := providerMessage(body)
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return apierr.Newf(apierr.KindTransient, "image provider returned %d: %s", status, msg)
	}
	return apierr.Newf(apierr.KindGeneration, "image generation failed (%d): %s", status, msg)
}

// providerMessage extracts a human-readable detail from an error response.
// Stability-style endpoints answer JSON with errors/message/name fields; raw
// bodies pass through truncated.
func providerMessage(body []byte) string {
	var payload struct {
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
		Name    string   `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case len(payload.Errors) > 0:
			return strings.Join(payload.Errors, "; ")
		case payload.Name != "":
			return payload.Name
		}
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no error detail"
	}
	if len(s) > 300 {
		s = fmt.Sprintf("%s... (%d bytes)", s[:300], len(s))
	}
	return s
}

var _ Generator = (*StabilityClient)(nil)
