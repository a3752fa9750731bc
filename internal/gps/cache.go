package gps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache holds a provider's last known position. It is shared by all
// connections of one provider and optionally persisted to a JSON file so
// LastKnown survives restarts.
type Cache struct {
	mu     sync.RWMutex
	last   *Location
	path   string
	maxAge time.Duration
	now    func() time.Time
	log    *zap.Logger

	saveMu sync.Mutex
}

// CacheConfig holds last-known cache configuration.
type CacheConfig struct {
	Path   string        `yaml:"path" json:"path"`      // Empty disables persistence
	MaxAge time.Duration `yaml:"max_age" json:"maxAge"` // 0 means no expiry

	Log *zap.Logger `yaml:"-" json:"-"`
}

// NewCache creates a cache and loads any persisted position.
func NewCache(cfg CacheConfig) *Cache {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		path:   cfg.Path,
		maxAge: cfg.MaxAge,
		now:    time.Now,
		log:    log.Named("cache"),
	}
	c.load()
	return c
}

// Get returns the cached position unless it is older than the max age.
// Positions without a timestamp never expire.
func (c *Cache) Get() (Location, bool) {
	if c == nil {
		return Location{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Location{}, false
	}
	if c.maxAge > 0 && !c.last.Time.IsZero() && c.now().Sub(c.last.Time) > c.maxAge {
		return Location{}, false
	}
	return *c.last, true
}

// Put replaces the cached position and persists it when a path is set.
func (c *Cache) Put(loc Location) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.last = &loc
	c.mu.Unlock()
	if c.path == "" {
		return
	}

	// Saves are serialized and write the newest value.
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.mu.RLock()
	latest := *c.last
	c.mu.RUnlock()
	if err := c.save(latest); err != nil {
		c.log.Warn("saving last known position failed", zap.String("path", c.path), zap.Error(err))
	}
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("reading last known position failed", zap.String("path", c.path), zap.Error(err))
		}
		return
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		c.log.Warn("ignoring corrupt last known position", zap.String("path", c.path), zap.Error(err))
		return
	}
	c.last = &loc
}

func (c *Cache) save(loc Location) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
