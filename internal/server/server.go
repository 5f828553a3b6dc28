// Package server implements the minegallery HTTP server and API routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minegallery/minegallery/internal/auth"
	"github.com/minegallery/minegallery/internal/blobstore"
	"github.com/minegallery/minegallery/internal/config"
	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/handlers"
	"github.com/minegallery/minegallery/internal/imagegen"
	"github.com/minegallery/minegallery/internal/jsonutil"
	"github.com/minegallery/minegallery/internal/manifest"
)

// storeCheckTimeout bounds the blob store ping inside the health handler.
const storeCheckTimeout = 5 * time.Second

// Server is the minegallery HTTP server. It wires the gallery and
// generation handlers onto a Chi router with a Huma API for the
// documented system endpoints.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      blobstore.Store
	gen        imagegen.Generator
	log        *slog.Logger
	repo       *manifest.Repository
	gallery    *handlers.GalleryHandler
	generate   *handlers.GenerateHandler
	httpServer *http.Server
}

// HealthCheckResult reports the state of one dependency.
type HealthCheckResult struct {
	Status string `json:"status" example:"ok" doc:"Component status"`
	Error  string `json:"error,omitempty" doc:"Failure detail when status is not ok"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                       `json:"status" example:"ok" doc:"Overall health status"`
	Checks map[string]HealthCheckResult `json:"checks,omitempty" doc:"Per-dependency checks"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStore sets the blob store backing the gallery.
func WithStore(store blobstore.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithGenerator sets the image generation client.
func WithGenerator(gen imagegen.Generator) ServerOption {
	return func(s *Server) {
		s.gen = gen
	}
}

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// New creates a new Server with the given configuration and wires up
// all API routes on the Chi router with Huma API. The blob store and
// image generator must be provided via ServerOption functions.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("MineGallery API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.store == nil {
		return nil, errors.New("server: no blob store configured")
	}
	if s.gen == nil {
		return nil, errors.New("server: no image generator configured")
	}

	s.repo = manifest.NewRepository(s.store, s.log)
	s.gallery = handlers.NewGalleryHandler(s.repo, s.store, s.log, cfg.Server.MaxUploadMB)
	s.generate = handlers.NewGenerateHandler(s.gen, s.store, s.log)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// buildHandler assembles the middleware chain around the router.
// Order (outermost first): metrics, common headers, auth. Metrics sit
// outermost so rejected requests are still counted; common headers run
// before auth so error payloads carry the request ID.
func (s *Server) buildHandler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.cfg.Auth.APIToken)(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics are registered first,
// then the gallery API under /api/v1.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation. The
	// handler pings the blob store; a failing store degrades the body
	// but keeps the endpoint at 200 so probes distinguish "process up,
	// dependency down" from "process down".
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health of the minegallery server and its blob store.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		checkCtx, cancel := context.WithTimeout(ctx, storeCheckTimeout)
		defer cancel()

		body := HealthBody{Status: "ok", Checks: map[string]HealthCheckResult{}}
		if err := s.store.HealthCheck(checkCtx); err != nil {
			body.Status = "degraded"
			body.Checks["store"] = HealthCheckResult{Status: "error", Error: err.Error()}
		} else {
			body.Checks["store"] = HealthCheckResult{Status: "ok"}
		}
		return &HealthOutput{Body: body}, nil
	})

	// Register HEAD /health separately (Huma only does one method per
	// registration). Probes that only want liveness use this or /healthz.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/albums", s.gallery.ListAlbums)
		r.Post("/albums/{album}/images", s.gallery.UploadImages)
		r.Delete("/albums/{album}/images/*", s.gallery.DeleteImage)
		r.Delete("/albums/{album}", s.gallery.DeleteAlbum)
		r.Post("/albums/{album}/rename", s.gallery.RenameAlbum)
		r.Get("/images/*", s.gallery.GetImage)
		r.Post("/generate", s.generate.Generate)
	})

	// Unmatched paths get the same JSON error payload as API failures.
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonutil.RenderError(w, r, apierr.Newf(apierr.KindNotFound, "no such endpoint: %s", r.URL.Path))
	})
}
