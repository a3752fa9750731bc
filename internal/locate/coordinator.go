// Package locate obtains exactly one position from a gps.Provider per
// request and hands it to a listener at most once.
//
// A request first opens its own provider connection. Once connected, a
// last-known request tries the provider's cached position and falls back to
// a single fresh fix at the provider's default priority; a current request
// always asks for a fresh fix at the caller's priority. Every terminal path,
// delivered or not, disconnects the connection.
package locate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsgate/internal/gps"
	"github.com/shaunagostinho/gpsgate/internal/obs"
)

var (
	ErrConnectTimeout = errors.New("locate: timed out connecting to provider")
	ErrFixTimeout     = errors.New("locate: timed out waiting for fix")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultFixTimeout     = 30 * time.Second
)

// Listener receives the delivered position.
type Listener func(gps.Location)

// Coordinator starts location requests against one provider. It holds no
// per-request state and is safe for concurrent use.
type Coordinator struct {
	provider       gps.Provider
	log            *zap.Logger
	metrics        *obs.Metrics
	connectTimeout time.Duration
	fixTimeout     time.Duration
	now            func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithConnectTimeout bounds the time between Connect and OnConnected.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithFixTimeout bounds the time between a fix request and its delivery.
func WithFixTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.fixTimeout = d
		}
	}
}

// New creates a Coordinator for p.
func New(p gps.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		provider:       p,
		log:            zap.NewNop(),
		connectTimeout: defaultConnectTimeout,
		fixTimeout:     defaultFixTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("locate")
	return c
}

// RequestLastKnown starts a request that prefers the provider's cached
// position. It never blocks. A non-nil error wraps gps.ErrUnavailable and
// means no attempt was made and l will never be called.
func (c *Coordinator) RequestLastKnown(ctx context.Context, l Listener) (*Request, error) {
	return c.start(ctx, ModeLastKnown, gps.PriorityDefault, l)
}

// RequestCurrent starts a request for a fresh fix at priority p, skipping
// the cache. Unknown priorities mean no preference.
func (c *Coordinator) RequestCurrent(ctx context.Context, p gps.Priority, l Listener) (*Request, error) {
	return c.start(ctx, ModeCurrent, p.Resolve(), l)
}

func (c *Coordinator) start(ctx context.Context, mode Mode, p gps.Priority, l Listener) (*Request, error) {
	if err := c.provider.Available(); err != nil {
		c.log.Debug("provider unavailable", zap.String("provider", c.provider.Name()), zap.Error(err))
		if c.metrics != nil {
			c.metrics.OutcomesTotal.WithLabelValues("unavailable").Inc()
		}
		if !errors.Is(err, gps.ErrUnavailable) {
			err = errors.Join(gps.ErrUnavailable, err)
		}
		return nil, err
	}

	r := newRequest(c, mode, p, l)
	if c.metrics != nil {
		c.metrics.RequestsTotal.WithLabelValues(mode.String()).Inc()
		c.metrics.InFlight.Inc()
	}
	r.begin(ctx)
	return r, nil
}
