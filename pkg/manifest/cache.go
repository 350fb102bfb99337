package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultVersion is the version token of the built-in default manifest.
const DefaultVersion = "default"

// Snapshot is an immutable, version-stamped view of the manifest. Jobs read
// one snapshot at start and use it for their whole run.
type Snapshot struct {
	Version  string
	Manifest *Manifest
	LoadedAt time.Time
}

// Cache serves manifest snapshots, re-parsing the file only when its content
// hash changes.
type Cache struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	current *Snapshot
	now     func() time.Time
}

// NewCache creates a cache for the manifest at path. An empty path serves
// the default manifest.
func NewCache(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{path: path, logger: logger, now: time.Now}
}

// Path returns the watched manifest path.
func (c *Cache) Path() string { return c.path }

// Snapshot returns the current manifest snapshot.
//
// When the file changed but no longer validates, the last good snapshot is
// kept and a warning logged. With no good snapshot the error is returned.
func (c *Cache) Snapshot() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		if c.current == nil {
			c.current = &Snapshot{Version: DefaultVersion, Manifest: Default(), LoadedAt: c.now()}
		}
		return c.current, nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if c.current != nil {
			c.logger.Warn("Manifest unreadable, serving last snapshot",
				zap.String("path", c.path), zap.String("version", c.current.Version), zap.Error(err))
			return c.current, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	sum := sha256.Sum256(data)
	version := hex.EncodeToString(sum[:])
	if c.current != nil && c.current.Version == version {
		return c.current, nil
	}

	m, err := LoadFromBytes(data, c.path)
	if err != nil {
		if c.current != nil {
			c.logger.Warn("Manifest changed but is invalid, serving last snapshot",
				zap.String("path", c.path), zap.String("version", c.current.Version), zap.Error(err))
			return c.current, nil
		}
		return nil, err
	}

	c.current = &Snapshot{Version: version, Manifest: m, LoadedAt: c.now()}
	c.logger.Info("Manifest loaded",
		zap.String("path", c.path),
		zap.String("version", version[:12]),
		zap.Int("targets", len(m.Targets)))
	return c.current, nil
}
