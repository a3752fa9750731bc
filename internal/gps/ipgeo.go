package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IPProvider locates the host from its public IP address using an
// ip-api.com compatible endpoint. It is coarse (city level) and has no
// handshake, so a Conn is connected as soon as it is asked to be.
type IPProvider struct {
	url    string
	client *http.Client
	cache  *Cache
	log    *zap.Logger
}

// IPConfig holds configuration for the IP geolocation provider.
type IPConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ipAPIResponse matches the response structure from ip-api.com.
type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// NewIP creates a new IP geolocation provider.
func NewIP(cfg IPConfig, cache *Cache, log *zap.Logger) *IPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IPProvider{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		log:    log.Named("ipgeo"),
	}
}

func (p *IPProvider) Name() string { return "IP Geolocation" }

func (p *IPProvider) Available() error {
	if p.url == "" {
		return fmt.Errorf("%w: no geolocation endpoint configured", ErrUnavailable)
	}
	return nil
}

func (p *IPProvider) NewConn() Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &ipConn{p: p, ctx: ctx, cancel: cancel}
}

// lookup performs a single request against the endpoint.
func (p *IPProvider) lookup(ctx context.Context) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Location{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Location{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Location{}, fmt.Errorf("ipgeo: unexpected status %d: %s", resp.StatusCode, body)
	}

	var out ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Location{}, fmt.Errorf("ipgeo: decode: %w", err)
	}
	if out.Status == "fail" {
		return Location{}, fmt.Errorf("ipgeo: lookup failed: %s", out.Message)
	}
	return Location{
		Latitude:  out.Lat,
		Longitude: out.Lon,
		Time:      time.Now().UTC(),
		Source:    p.Name(),
	}, nil
}

type ipConn struct {
	p      *IPProvider
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	cb        Connector
}

func (c *ipConn) Connect(cb Connector) {
	go func() {
		if err := c.ctx.Err(); err != nil {
			cb.OnConnectionFailed(&ConnectionError{Code: CodeCanceled, Err: err})
			return
		}
		c.mu.Lock()
		c.connected = true
		c.cb = cb
		c.mu.Unlock()
		cb.OnConnected()
	}()
}

func (c *ipConn) Disconnect() error {
	c.cancel()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *ipConn) LastKnown() (Location, bool) {
	return c.p.cache.Get()
}

// RequestSingleFix looks the address up once. A failed lookup never calls
// fn and is reported to the Connector as a failed connection.
func (c *ipConn) RequestSingleFix(_ Priority, fn func(Location)) error {
	c.mu.Lock()
	connected, cb := c.connected, c.cb
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	go func() {
		loc, err := c.p.lookup(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.p.log.Warn("lookup failed", zap.String("url", c.p.url), zap.Error(err))
			cb.OnConnectionFailed(&ConnectionError{Code: CodeNetworkError, Err: err})
			return
		}
		c.p.cache.Put(loc)
		fn(loc)
	}()
	return nil
}
