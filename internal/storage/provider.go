// Package storage selects and constructs the configured object store.
package storage

import (
	"context"
	"fmt"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/storage/gcs"
	"github.com/JakeFAU/gallery-proxy/internal/storage/local"
	"github.com/JakeFAU/gallery-proxy/internal/storage/memory"
	"github.com/JakeFAU/gallery-proxy/internal/storage/s3"
)

// Provider names accepted in configuration.
const (
	ProviderNone   = "none"
	ProviderS3     = "s3"
	ProviderGCS    = "gcs"
	ProviderLocal  = "local"
	ProviderMemory = "memory"
)

// Config selects a provider and carries its settings.
type Config struct {
	Provider  string
	PublicURL string
	S3        s3.Config
	GCS       gcs.Config
	Local     local.Config
}

// Open builds the configured store. It returns a nil store for the none
// provider; the returned close function is never nil.
func Open(ctx context.Context, cfg Config) (gallery.ObjectStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, noop, nil
	case ProviderMemory:
		return memory.NewBlobStore(cfg.PublicURL), noop, nil
	case ProviderLocal:
		localCfg := cfg.Local
		if localCfg.PublicURL == "" {
			localCfg.PublicURL = cfg.PublicURL
		}
		store, err := local.New(localCfg)
		if err != nil {
			return nil, noop, fmt.Errorf("local store: %w", err)
		}
		return store, noop, nil
	case ProviderS3:
		s3Cfg := cfg.S3
		if s3Cfg.PublicURL == "" {
			s3Cfg.PublicURL = cfg.PublicURL
		}
		client, err := s3.NewClient(ctx, s3Cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("s3 client: %w", err)
		}
		store, err := s3.New(client, s3Cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("s3 store: %w", err)
		}
		return store, noop, nil
	case ProviderGCS:
		gcsCfg := cfg.GCS
		if gcsCfg.PublicURL == "" {
			gcsCfg.PublicURL = cfg.PublicURL
		}
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcsCfg)
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("gcs store: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
