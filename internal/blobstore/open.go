package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minegallery/minegallery/internal/config"
)

// Open constructs the blob store named by cfg.Backend. Callers that
// serve metrics should wrap the result with Instrument.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "github":
		gh := cfg.GitHub
		if gh.Owner == "" || gh.Repo == "" {
			return nil, fmt.Errorf("store.github.owner and store.github.repo are required when backend is 'github'")
		}
		store, err := NewGitHubStore(GitHubOptions{
			Owner:          gh.Owner,
			Repo:           gh.Repo,
			Branch:         gh.Branch,
			Token:          gh.Token,
			BaseURL:        gh.BaseURL,
			RawBaseURL:     gh.RawBaseURL,
			CommitterName:  gh.CommitterName,
			CommitterEmail: gh.CommitterEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing github store: %w", err)
		}
		slog.Info("Blob store initialized", "backend", "github", "repo", gh.Owner+"/"+gh.Repo, "branch", gh.Branch)
		return store, nil

	case "s3":
		s3cfg := cfg.S3
		if s3cfg.Bucket == "" {
			return nil, fmt.Errorf("store.s3.bucket is required when backend is 's3'")
		}
		store, err := NewS3Store(ctx, S3Options{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Prefix:          s3cfg.Prefix,
			EndpointURL:     s3cfg.EndpointURL,
			UsePathStyle:    s3cfg.UsePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			PublicBaseURL:   s3cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing s3 store: %w", err)
		}
		slog.Info("Blob store initialized", "backend", "s3", "bucket", s3cfg.Bucket, "region", s3cfg.Region, "prefix", s3cfg.Prefix)
		return store, nil

	case "gcs":
		gcsCfg := cfg.GCS
		if gcsCfg.Bucket == "" {
			return nil, fmt.Errorf("store.gcs.bucket is required when backend is 'gcs'")
		}
		store, err := NewGCSStore(ctx, gcsCfg.Bucket, gcsCfg.Prefix, gcsCfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("initializing gcs store: %w", err)
		}
		slog.Info("Blob store initialized", "backend", "gcs", "bucket", gcsCfg.Bucket, "prefix", gcsCfg.Prefix)
		return store, nil

	case "azure":
		az := cfg.Azure
		if az.Container == "" {
			return nil, fmt.Errorf("store.azure.container is required when backend is 'azure'")
		}
		accountURL := az.AccountURL
		if accountURL == "" {
			if az.Account == "" {
				return nil, fmt.Errorf("store.azure.account or store.azure.account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", az.Account)
		}
		store, err := NewAzureStore(ctx, az.Container, accountURL, az.Prefix, az.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("initializing azure store: %w", err)
		}
		slog.Info("Blob store initialized", "backend", "azure", "container", az.Container, "account", accountURL)
		return store, nil

	case "local":
		store, err := NewLocalStore(cfg.Local.Dir)
		if err != nil {
			return nil, fmt.Errorf("initializing local store: %w", err)
		}
		slog.Info("Blob store initialized", "backend", "local", "dir", cfg.Local.Dir)
		return store, nil

	case "sqlite":
		dbPath := cfg.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		store, err := NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		slog.Info("Blob store initialized", "backend", "sqlite", "path", dbPath)
		return store, nil

	case "memory":
		slog.Warn("Blob store initialized", "backend", "memory", "note", "contents are lost on restart")
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
