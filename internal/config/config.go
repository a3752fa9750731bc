// Package config loads gpsgate settings from YAML, a .env file and the
// environment, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gpsgate/internal/gps"
)

// Provider types.
const (
	ProviderNMEA     = "nmea"
	ProviderDemo     = "demo"
	ProviderIPAPI    = "ipapi"
	ProviderFeed     = "feed"
	ProviderDisabled = "disabled"
)

// Config holds all gpsgate configuration.
type Config struct {
	mu sync.RWMutex

	Provider ProviderConfig `yaml:"provider" json:"provider"`
	Request  RequestConfig  `yaml:"request" json:"request"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	path string
}

type ProviderConfig struct {
	Type     string `yaml:"type" json:"type"`          // nmea, demo, ipapi, feed or disabled
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	FeedURL  string `yaml:"feed_url" json:"feedUrl"` // ws://host:8080/ws
	IPAPIURL string `yaml:"ipapi_url" json:"ipapiUrl"`

	CachePath    string `yaml:"cache_path" json:"cachePath"` // empty keeps the cache in memory
	CacheMaxAgeS int    `yaml:"cache_max_age_s" json:"cacheMaxAgeS"`

	// DemoCoords pins the demo provider to "lat,lon".
	DemoCoords string `yaml:"demo_coords" json:"demoCoords"`
}

type RequestConfig struct {
	Priority         gps.Priority `yaml:"priority" json:"priority"`
	Fresh            bool         `yaml:"fresh" json:"fresh"` // request a new fix instead of the last known one
	Required         bool         `yaml:"required" json:"required"`
	WaitTimeoutMs    int          `yaml:"wait_timeout_ms" json:"waitTimeoutMs"`
	ConnectTimeoutMs int          `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
	FixTimeoutMs     int          `yaml:"fix_timeout_ms" json:"fixTimeoutMs"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json or console
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:         ProviderDemo,
			PortPath:     "/dev/ttyGPS",
			BaudRate:     9600,
			IPAPIURL:     "http://ip-api.com/json/",
			CacheMaxAgeS: 0,
		},
		Request: RequestConfig{
			Priority:         gps.PriorityDefault,
			Required:         true,
			WaitTimeoutMs:    10000,
			ConnectTimeoutMs: 10000,
			FixTimeoutMs:     30000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. A missing or broken file falls back to defaults.
func Load(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = Default()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides(log)
	return cfg
}

// loadEnvFile reads a KEY=VALUE file into the environment. Variables that
// are already non-empty win.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func (c *Config) applyEnvOverrides(log *zap.Logger) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Warn("ignoring invalid number", zap.String("var", name), zap.String("value", v))
				return
			}
			*dst = n
		}
	}

	str("GPS_TYPE", &c.Provider.Type)
	str("GPS_PORT", &c.Provider.PortPath)
	num("GPS_BAUD", &c.Provider.BaudRate)
	str("GPS_FEED_URL", &c.Provider.FeedURL)
	str("GPS_IPAPI_URL", &c.Provider.IPAPIURL)
	str("GPS_CACHE_PATH", &c.Provider.CachePath)
	str("GPS_DEV_COORDS", &c.Provider.DemoCoords)

	if v := os.Getenv("GPS_PRIORITY"); v != "" {
		p, err := gps.ParsePriority(v)
		if err != nil {
			log.Warn("ignoring invalid priority", zap.String("value", v), zap.Error(err))
		} else {
			c.Request.Priority = p
		}
	}
	if v := os.Getenv("GPS_REQUIRED"); v != "" {
		c.Request.Required = v == "1" || v == "true" || v == "yes"
	}
	num("GPS_WAIT_TIMEOUT_MS", &c.Request.WaitTimeoutMs)
	num("GPS_CONNECT_TIMEOUT_MS", &c.Request.ConnectTimeoutMs)
	num("GPS_FIX_TIMEOUT_MS", &c.Request.FixTimeoutMs)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Validate reports settings no provider can work with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Provider.Type {
	case ProviderNMEA:
		if c.Provider.BaudRate <= 0 {
			return fmt.Errorf("config: invalid baud rate %d", c.Provider.BaudRate)
		}
	case ProviderFeed:
		if c.Provider.FeedURL == "" {
			return fmt.Errorf("config: provider %q needs feed_url", c.Provider.Type)
		}
	case ProviderDemo, ProviderIPAPI, ProviderDisabled:
	default:
		return fmt.Errorf("config: unknown provider type %q", c.Provider.Type)
	}
	if c.Provider.DemoCoords != "" {
		if _, err := ParseCoords(c.Provider.DemoCoords); err != nil {
			return err
		}
	}
	return nil
}

// ParseCoords parses "lat,lon".
func ParseCoords(s string) (gps.Location, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return gps.Location{}, fmt.Errorf("config: coordinates %q: want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return gps.Location{}, fmt.Errorf("config: latitude %q: %w", latStr, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return gps.Location{}, fmt.Errorf("config: longitude %q: %w", lonStr, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return gps.Location{}, fmt.Errorf("config: coordinates %q out of range", s)
	}
	return gps.Location{Latitude: lat, Longitude: lon}, nil
}

// WantsFresh reports whether a new fix is requested instead of the last
// known position. Any explicit priority implies it.
func (r RequestConfig) WantsFresh() bool {
	return r.Fresh || r.Priority.Resolve() != gps.PriorityDefault
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (r RequestConfig) WaitTimeout() time.Duration    { return ms(r.WaitTimeoutMs) }
func (r RequestConfig) ConnectTimeout() time.Duration { return ms(r.ConnectTimeoutMs) }
func (r RequestConfig) FixTimeout() time.Duration     { return ms(r.FixTimeoutMs) }

// CacheMaxAge is zero when cached positions never expire.
func (p ProviderConfig) CacheMaxAge() time.Duration {
	return time.Duration(p.CacheMaxAgeS) * time.Second
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no file path")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// RequestDefaults returns a copy of the request section.
func (c *Config) RequestDefaults() RequestConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Request
}

// UpdateRequestFromJSON deep-merges a partial JSON object into the request
// section. Only request defaults are live-editable; provider changes need a
// restart.
func (c *Config) UpdateRequestFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := json.Marshal(c.Request)
	if err != nil {
		return fmt.Errorf("marshal current request config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("unmarshal current request config: %w", err)
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged request config: %w", err)
	}
	next := c.Request
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply request config: %w", err)
	}
	if next.WaitTimeoutMs <= 0 {
		return fmt.Errorf("config: waitTimeoutMs must be positive")
	}
	c.Request = next
	return nil
}

// deepMerge recursively merges src into dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
