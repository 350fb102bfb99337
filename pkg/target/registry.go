package target

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/provider"
	"github.com/3leaps/docflow/pkg/provider/file"
	"github.com/3leaps/docflow/pkg/provider/gcs"
	"github.com/3leaps/docflow/pkg/provider/s3"
)

// Factory opens the provider for a manifest target entry.
type Factory func(ctx context.Context, cfg manifest.Target) (provider.Provider, error)

// Registry maps target types to provider factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the s3, gcs and file factories.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(string(provider.ProviderS3), openS3)
	r.Register(string(provider.ProviderGCS), openGCS)
	r.Register(string(provider.ProviderFile), openFile)
	return r
}

// Register installs or replaces the factory for a target type.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types lists the registered target types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build opens the provider for cfg and wraps it as a Target.
func (r *Registry) Build(ctx context.Context, cfg manifest.Target) (*Target, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("target %s: unknown type %q", cfg.Name, cfg.Type)
	}
	p, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", cfg.Name, err)
	}
	return New(cfg, p), nil
}

func openS3(ctx context.Context, cfg manifest.Target) (provider.Provider, error) {
	if cfg.S3 == nil {
		return nil, fmt.Errorf("s3 options are required")
	}
	return s3.New(ctx, *cfg.S3)
}

func openGCS(ctx context.Context, cfg manifest.Target) (provider.Provider, error) {
	if cfg.GCS == nil {
		return nil, fmt.Errorf("gcs options are required")
	}
	return gcs.New(ctx, *cfg.GCS)
}

func openFile(_ context.Context, cfg manifest.Target) (provider.Provider, error) {
	if cfg.File == nil {
		return nil, fmt.Errorf("file options are required")
	}
	return file.New(*cfg.File)
}
