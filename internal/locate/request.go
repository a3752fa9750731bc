package locate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsgate/internal/gps"
)

// Mode selects the decision policy of a request.
type Mode int

const (
	ModeLastKnown Mode = iota
	ModeCurrent
)

func (m Mode) String() string {
	if m == ModeCurrent {
		return "current"
	}
	return "last_known"
}

// DeliveryState is the lifecycle of one request. States only move forward.
type DeliveryState int

const (
	StateNotStarted DeliveryState = iota
	StateConnecting
	StateAwaitingFix
	StateDelivered
	StateFailedConnect
	StateTimedOut
	StateCanceled
)

var stateNames = [...]string{
	StateNotStarted:    "not_started",
	StateConnecting:    "connecting",
	StateAwaitingFix:   "awaiting_fix",
	StateDelivered:     "delivered",
	StateFailedConnect: "failed_connect",
	StateTimedOut:      "timed_out",
	StateCanceled:      "canceled",
}

func (s DeliveryState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s DeliveryState) Terminal() bool {
	return s >= StateDelivered
}

// Request is one in-flight location request. It owns its provider
// connection and adopts the default connector reactions for suspension.
type Request struct {
	gps.DefaultConnector

	c        *Coordinator
	mode     Mode
	priority gps.Priority
	listener Listener
	conn     gps.Conn
	started  time.Time

	mu    sync.Mutex
	state DeliveryState
	err   error
	path  string
	timer *time.Timer

	once sync.Once
	done chan struct{}
}

func newRequest(c *Coordinator, mode Mode, p gps.Priority, l Listener) *Request {
	return &Request{
		DefaultConnector: gps.DefaultConnector{Log: c.log},
		c:                c,
		mode:             mode,
		priority:         p,
		listener:         l,
		done:             make(chan struct{}),
	}
}

// Done is closed once the request reached a terminal state. If a location
// was delivered the listener has returned by then.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) State() DeliveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err explains a terminal non-delivery; nil otherwise.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) Mode() Mode             { return r.mode }
func (r *Request) Priority() gps.Priority { return r.priority }

func (r *Request) begin(ctx context.Context) {
	r.conn = r.c.provider.NewConn()
	r.started = r.c.now()

	r.mu.Lock()
	r.state = StateConnecting
	r.timer = time.AfterFunc(r.c.connectTimeout, func() {
		r.expire(StateConnecting, ErrConnectTimeout)
	})
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		r.finish(StateCanceled, nil, err)
		return
	}
	if ctxDone := ctx.Done(); ctxDone != nil {
		go func() {
			select {
			case <-ctxDone:
				r.finish(StateCanceled, nil, ctx.Err())
			case <-r.done:
			}
		}()
	}

	r.conn.Connect(r)
}

// OnConnected runs the decision policy. A second call, e.g. after a
// suspended connection resumed, is ignored.
func (r *Request) OnConnected() {
	r.mu.Lock()
	if r.state != StateConnecting {
		r.mu.Unlock()
		return
	}
	r.state = StateAwaitingFix
	r.timer.Stop()
	r.mu.Unlock()

	if r.mode == ModeLastKnown {
		if loc, ok := r.conn.LastKnown(); ok {
			r.deliver(loc, "fast")
			return
		}
	}

	r.mu.Lock()
	if r.state != StateAwaitingFix {
		r.mu.Unlock()
		return
	}
	r.timer = time.AfterFunc(r.c.fixTimeout, func() {
		r.expire(StateAwaitingFix, ErrFixTimeout)
	})
	r.mu.Unlock()

	if err := r.conn.RequestSingleFix(r.priority, r.onFix); err != nil {
		r.c.log.Warn("fix request failed", zap.Error(err))
		r.finish(StateFailedConnect, nil, fmt.Errorf("locate: request fix: %w", err))
	}
}

// OnConnectionFailed logs through the default reaction and ends the
// request without delivery. A failure reported after the request ended,
// e.g. the cancellation caused by its own Disconnect, is ignored.
func (r *Request) OnConnectionFailed(err *gps.ConnectionError) {
	if !r.end(anyState, StateFailedConnect, "", err) {
		return
	}
	r.DefaultConnector.OnConnectionFailed(err)
	r.complete(StateFailedConnect, nil)
}

func (r *Request) onFix(loc gps.Location) {
	r.deliver(loc, "slow")
}

func (r *Request) deliver(loc gps.Location, path string) {
	if r.end(anyState, StateDelivered, path, nil) {
		r.complete(StateDelivered, &loc)
	}
}

// expire times the request out only if it is still in state expect.
func (r *Request) expire(expect DeliveryState, err error) {
	if !r.end(expect, StateTimedOut, "", err) {
		return
	}
	r.c.log.Warn("location request timed out",
		zap.Stringer("mode", r.mode), zap.Stringer("state", expect), zap.Error(err))
	r.complete(StateTimedOut, nil)
}

// anyState lets end accept any non-terminal state.
const anyState DeliveryState = -1

// finish moves the request to a terminal state unless it already has one.
func (r *Request) finish(state DeliveryState, loc *gps.Location, err error) {
	if r.end(anyState, state, "", err) {
		r.complete(state, loc)
	}
}

// end records the terminal state. It reports false when the request already
// ended or, unless expect is anyState, is no longer in state expect.
func (r *Request) end(expect, state DeliveryState, path string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() || (expect != anyState && r.state != expect) {
		return false
	}
	r.state = state
	r.err = err
	r.path = path
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}

// complete runs once after end succeeded: invoke the listener, disconnect,
// then close Done.
func (r *Request) complete(state DeliveryState, loc *gps.Location) {
	r.once.Do(func() {
		if loc != nil && r.listener != nil {
			r.listener(*loc)
		}
		if derr := r.conn.Disconnect(); derr != nil {
			r.c.log.Warn("disconnect failed", zap.Error(derr))
		}
		r.record(state, r.pathTaken())
		close(r.done)
	})
}

func (r *Request) pathTaken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *Request) record(state DeliveryState, path string) {
	elapsed := r.c.now().Sub(r.started)
	r.c.log.Debug("location request finished",
		zap.Stringer("mode", r.mode),
		zap.Stringer("state", state),
		zap.String("path", path),
		zap.Duration("elapsed", elapsed))

	m := r.c.metrics
	if m == nil {
		return
	}
	m.InFlight.Dec()
	switch state {
	case StateDelivered:
		m.OutcomesTotal.WithLabelValues(path).Inc()
		m.DeliveryLatency.WithLabelValues(path).Observe(elapsed.Seconds())
	case StateFailedConnect:
		m.OutcomesTotal.WithLabelValues("failed").Inc()
	case StateTimedOut:
		m.OutcomesTotal.WithLabelValues("timeout").Inc()
	case StateCanceled:
		m.OutcomesTotal.WithLabelValues("canceled").Inc()
	}
}
