// Package gate holds request parameters whose formatting may wait for a
// location fix.
//
// A Params triggers a single coordinator request on its first Format call.
// When the location is required Format blocks until the fix arrives, the
// request ends without one, the timeout expires, or the caller's context is
// canceled; otherwise it formats immediately with whatever is stored.
// Neither path returns an error for a missing location.
package gate

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsgate/internal/gps"
	"github.com/shaunagostinho/gpsgate/internal/locate"
	"github.com/shaunagostinho/gpsgate/internal/obs"
)

const defaultTimeout = 10 * time.Second

// RequestKind names the dependent request being formatted.
type RequestKind string

// Formatter builds the dependent request's parameters. loc is nil when no
// location was obtained.
type Formatter interface {
	FormatRequest(kind RequestKind, loc *gps.Location) (url.Values, error)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(kind RequestKind, loc *gps.Location) (url.Values, error)

func (f FormatterFunc) FormatRequest(kind RequestKind, loc *gps.Location) (url.Values, error) {
	return f(kind, loc)
}

// Locator starts location requests. *locate.Coordinator implements it.
type Locator interface {
	RequestLastKnown(ctx context.Context, l locate.Listener) (*locate.Request, error)
	RequestCurrent(ctx context.Context, p gps.Priority, l locate.Listener) (*locate.Request, error)
}

// State is the progress of a Params.
type State int

const (
	StateUnrequested State = iota
	StateWaiting
	StateNotWaiting
	StateDelivered
	StateTimedOut
	StateInterrupted
	StateSkipped     // provider unavailable
	StateUndelivered // request ended without a fix
)

var stateNames = [...]string{
	StateUnrequested: "unrequested",
	StateWaiting:     "waiting",
	StateNotWaiting:  "not_waiting",
	StateDelivered:   "delivered",
	StateTimedOut:    "timed_out",
	StateInterrupted: "interrupted",
	StateSkipped:     "skipped",
	StateUndelivered: "undelivered",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Params is owned by the caller that creates it. Only the location
// listener runs on another goroutine.
type Params struct {
	locator   Locator
	formatter Formatter
	log       *zap.Logger
	metrics   *obs.Metrics

	mu          sync.Mutex
	priority    gps.Priority
	hasPriority bool
	required    bool
	timeout     time.Duration
	requested   bool
	state       State
	loc         *gps.Location

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Params.
type Option func(*Params)

func WithLogger(l *zap.Logger) Option {
	return func(p *Params) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(p *Params) { p.metrics = m }
}

// WithTimeout bounds the blocking wait. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(p *Params) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPriority requests a fresh fix instead of the last known position.
func WithPriority(pr gps.Priority) Option {
	return func(p *Params) {
		p.priority = pr
		p.hasPriority = true
	}
}

func WithRequired(b bool) Option {
	return func(p *Params) { p.required = b }
}

// New creates a Params that requires a location and uses the last known
// position unless a priority is set.
func New(loc Locator, f Formatter, opts ...Option) *Params {
	p := &Params{
		locator:   loc,
		formatter: f,
		log:       zap.NewNop(),
		required:  true,
		timeout:   defaultTimeout,
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("gate")
	return p
}

// SetPriority switches to a fresh fix at pr. Ignored once Format ran.
func (p *Params) SetPriority(pr gps.Priority) *Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requested {
		p.log.Warn("priority change ignored, location already requested")
		return p
	}
	p.priority = pr
	p.hasPriority = true
	return p
}

// SetRequired chooses between blocking and non-blocking Format. Ignored once
// Format ran.
func (p *Params) SetRequired(b bool) *Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requested {
		p.log.Warn("required change ignored, location already requested")
		return p
	}
	p.required = b
	return p
}

// SetTimeout bounds the blocking wait. Ignored once Format ran.
func (p *Params) SetTimeout(d time.Duration) *Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requested {
		p.log.Warn("timeout change ignored, location already requested")
		return p
	}
	if d > 0 {
		p.timeout = d
	}
	return p
}

// Location returns the stored position, if one was delivered.
func (p *Params) Location() (gps.Location, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loc == nil {
		return gps.Location{}, false
	}
	return *p.loc, true
}

func (p *Params) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Format formats kind with the stored location. The first call triggers the
// location request and, if required, waits for it. Only formatter errors are
// returned.
func (p *Params) Format(ctx context.Context, kind RequestKind) (url.Values, error) {
	p.mu.Lock()
	first := !p.requested
	p.requested = true
	p.mu.Unlock()

	if first {
		p.trigger(ctx)
	}

	if loc, ok := p.Location(); ok {
		return p.formatter.FormatRequest(kind, &loc)
	}
	return p.formatter.FormatRequest(kind, nil)
}

func (p *Params) trigger(ctx context.Context) {
	p.mu.Lock()
	hasPriority, priority := p.hasPriority, p.priority
	required, timeout := p.required, p.timeout
	p.mu.Unlock()

	// The request may outlive this call when the location is not required.
	reqCtx := context.WithoutCancel(ctx)

	var (
		req *locate.Request
		err error
	)
	if hasPriority {
		req, err = p.locator.RequestCurrent(reqCtx, priority, p.onLocation)
	} else {
		req, err = p.locator.RequestLastKnown(reqCtx, p.onLocation)
	}
	if err != nil {
		p.log.Debug("location unavailable, formatting without it", zap.Error(err))
		p.advance(StateSkipped)
		p.count("skipped")
		return
	}

	if !required {
		p.advance(StateNotWaiting)
		p.count("not_required")
		return
	}
	p.advance(StateWaiting)
	p.wait(ctx, req, timeout)
}

func (p *Params) wait(ctx context.Context, req *locate.Request, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		p.count("delivered")
	case <-req.Done():
		// Done closes only after the listener returned.
		select {
		case <-p.ready:
			p.count("delivered")
		default:
			p.log.Warn("location request ended without a fix",
				zap.Stringer("state", req.State()), zap.Error(req.Err()))
			p.advance(StateUndelivered)
			p.count("undelivered")
		}
	case <-timer.C:
		p.log.Warn("timed out waiting for location", zap.Duration("timeout", timeout))
		p.advance(StateTimedOut)
		p.count("timeout")
	case <-ctx.Done():
		p.log.Warn("interrupted while waiting for location", zap.Error(ctx.Err()))
		p.advance(StateInterrupted)
		p.count("interrupted")
	}
}

// onLocation stores the location, then releases the waiter.
func (p *Params) onLocation(loc gps.Location) {
	p.mu.Lock()
	p.loc = &loc
	p.state = StateDelivered
	p.mu.Unlock()
	p.readyOnce.Do(func() { close(p.ready) })
}

// advance sets s unless a location was already delivered.
func (p *Params) advance(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDelivered {
		p.state = s
	}
}

func (p *Params) count(result string) {
	if p.metrics != nil {
		p.metrics.WaitsTotal.WithLabelValues(result).Inc()
	}
}
