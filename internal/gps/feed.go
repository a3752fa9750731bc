package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FeedProvider reads fixes from a dashboard WebSocket feed that broadcasts
// frames of the form {"gps": {...}, "stamp": <unix ms>}.
type FeedProvider struct {
	url    string
	dialer *websocket.Dialer
	cache  *Cache
	log    *zap.Logger
}

// FeedConfig holds configuration for the WebSocket feed provider.
type FeedConfig struct {
	URL              string        `yaml:"url" json:"url"` // e.g. ws://dash.local:8080/ws
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshakeTimeout"`
}

// feedFrame is the subset of a dashboard frame this provider reads.
type feedFrame struct {
	GPS   *feedGPS `json:"gps,omitempty"`
	Stamp int64    `json:"stamp"`
}

type feedGPS struct {
	Valid     bool    `json:"valid"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	HDOP      float64 `json:"hdop"`
}

// NewFeed creates a new WebSocket feed provider.
func NewFeed(cfg FeedConfig, cache *Cache, log *zap.Logger) *FeedProvider {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedProvider{
		url: cfg.URL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		cache: cache,
		log:   log.Named("feed"),
	}
}

func (p *FeedProvider) Name() string { return "GPS Feed" }

func (p *FeedProvider) Available() error {
	if p.url == "" {
		return fmt.Errorf("%w: no feed url configured", ErrUnavailable)
	}
	u, err := url.Parse(p.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: unsupported feed scheme %q", ErrUnavailable, u.Scheme)
	}
	return nil
}

func (p *FeedProvider) NewConn() Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &feedConn{p: p, ctx: ctx, cancel: cancel}
}

type feedConn struct {
	p      *FeedProvider
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ws      *websocket.Conn
	closed  bool
	pending func(Location)
}

func (c *feedConn) Connect(cb Connector) {
	go func() {
		ws, _, err := c.p.dialer.DialContext(c.ctx, c.p.url, nil)
		if err != nil {
			code := CodeNetworkError
			if c.ctx.Err() != nil {
				code = CodeCanceled
			}
			cb.OnConnectionFailed(&ConnectionError{Code: code, Err: err})
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			cb.OnConnectionFailed(&ConnectionError{Code: CodeCanceled})
			return
		}
		c.ws = ws
		c.mu.Unlock()

		c.p.log.Info("connected", zap.String("url", c.p.url))
		go c.readLoop(ws, cb)
		cb.OnConnected()
	}()
}

func (c *feedConn) readLoop(ws *websocket.Conn, cb Connector) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.p.log.Debug("feed read ended", zap.Error(err))
				cb.OnSuspended(CauseNetworkLost)
			}
			return
		}

		var frame feedFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.GPS == nil || !frame.GPS.Valid {
			continue
		}
		loc := Location{
			Latitude:  frame.GPS.Latitude,
			Longitude: frame.GPS.Longitude,
			Source:    c.p.Name(),
		}
		if frame.GPS.HDOP > 0 {
			loc.Accuracy = frame.GPS.HDOP * uere
		}
		if frame.Stamp > 0 {
			loc.Time = time.UnixMilli(frame.Stamp).UTC()
		}
		c.p.cache.Put(loc)

		c.mu.Lock()
		fn := c.pending
		c.pending = nil
		c.mu.Unlock()
		if fn != nil {
			fn(loc)
		}
	}
}

func (c *feedConn) Disconnect() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.ws.Close()
	c.ws = nil
	return err
}

func (c *feedConn) LastKnown() (Location, bool) {
	return c.p.cache.Get()
}

func (c *feedConn) RequestSingleFix(_ Priority, fn func(Location)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.pending = fn
	return nil
}
