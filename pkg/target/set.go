package target

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/processor"
)

// Set resolves target names against the current manifest snapshot, opening
// each provider once per snapshot version.
//
// Targets of a superseded version are closed as soon as the last upload
// holding them returns.
type Set struct {
	registry *Registry
	cache    *manifest.Cache
	logger   *zap.Logger

	mu      sync.Mutex
	version string
	targets map[string]*entry
	retired map[*entry]struct{}
}

type entry struct {
	target  *Target
	refs    int
	retired bool
}

// NewSet creates a resolver over the manifest cache.
func NewSet(registry *Registry, cache *manifest.Cache, logger *zap.Logger) *Set {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		registry: registry,
		cache:    cache,
		logger:   logger,
		targets:  make(map[string]*entry),
		retired:  make(map[*entry]struct{}),
	}
}

// Target returns the upload target with the given name. The returned value
// is good for a single Upload.
func (s *Set) Target(ctx context.Context, name string) (processor.UploadTarget, error) {
	snap, err := s.cache.Snapshot()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Version != s.version {
		s.retireLocked()
		s.version = snap.Version
	}

	e, ok := s.targets[name]
	if !ok {
		cfg, found := snap.Manifest.Target(name)
		if !found {
			return nil, processor.Permanentf("target %q is not configured", name)
		}
		t, err := s.registry.Build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e = &entry{target: t}
		s.targets[name] = e
		s.logger.Debug("Target opened", zap.String("target", name), zap.String("type", cfg.Type))
	}
	e.refs++
	return &lease{set: s, entry: e}, nil
}

// Open reports how many providers the set currently holds, retired ones
// included.
func (s *Set) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets) + len(s.retired)
}

func (s *Set) retireLocked() {
	for name, e := range s.targets {
		e.retired = true
		if e.refs == 0 {
			s.closeEntry(name, e)
			continue
		}
		s.retired[e] = struct{}{}
	}
	s.targets = make(map[string]*entry)
}

func (s *Set) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.refs--
	if e.retired && e.refs == 0 {
		delete(s.retired, e)
		s.closeEntry(e.target.Name(), e)
	}
}

func (s *Set) closeEntry(name string, e *entry) {
	if err := e.target.Close(); err != nil {
		s.logger.Warn("Close retired target failed", zap.String("target", name), zap.Error(err))
		return
	}
	s.logger.Debug("Retired target closed", zap.String("target", name))
}

// Close closes every provider the set opened, including those still held by
// in-flight uploads.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for e := range s.retired {
		// closed here; a later release must not close it again
		e.retired = false
		if err := e.target.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range s.targets {
		if err := e.target.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.retired = make(map[*entry]struct{})
	s.targets = make(map[string]*entry)
	return errors.Join(errs...)
}

// lease pins a target for one upload.
type lease struct {
	set   *Set
	entry *entry
	once  sync.Once
}

func (l *lease) Upload(ctx context.Context, doc document.Document) (string, error) {
	defer l.once.Do(func() { l.set.release(l.entry) })
	return l.entry.target.Upload(ctx, doc)
}
