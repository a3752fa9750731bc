// Package gpstest provides a scriptable gps.Provider for tests.
package gpstest

import (
	"errors"
	"sync"

	"github.com/shaunagostinho/gpsgate/internal/gps"
)

// ConnectMode controls how a fake connection reports its outcome.
type ConnectMode int

const (
	// ConnectAsync reports OnConnected from a new goroutine.
	ConnectAsync ConnectMode = iota
	// ConnectSync reports OnConnected from inside Connect.
	ConnectSync
	// ConnectFail reports OnConnectionFailed with FailCode.
	ConnectFail
	// ConnectNever reports nothing until the test calls Conn.FireConnected.
	ConnectNever
)

// Provider is a fake gps.Provider. Set the exported fields before use.
type Provider struct {
	// Unavailable is returned from Available when set.
	Unavailable error
	Mode        ConnectMode
	FailCode    int
	// Cached is what LastKnown returns.
	Cached *gps.Location
	// Fix is delivered from RequestSingleFix when set; otherwise the test
	// delivers with Conn.Deliver.
	Fix *gps.Location
	// FixErr makes RequestSingleFix fail.
	FixErr error

	mu    sync.Mutex
	conns []*Conn
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Available() error {
	if p.Unavailable != nil {
		if errors.Is(p.Unavailable, gps.ErrUnavailable) {
			return p.Unavailable
		}
		return errors.Join(gps.ErrUnavailable, p.Unavailable)
	}
	return nil
}

func (p *Provider) NewConn() gps.Conn {
	c := &Conn{p: p}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c
}

// Conns returns every connection handed out so far.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// Connects is the number of connection attempts.
func (p *Provider) Connects() int {
	n := 0
	for _, c := range p.Conns() {
		n += c.Counts().Connects
	}
	return n
}

// Counts sums the counters of all connections.
func (p *Provider) Counts() Counts {
	var total Counts
	for _, c := range p.Conns() {
		cc := c.Counts()
		total.Connects += cc.Connects
		total.Disconnects += cc.Disconnects
		total.LastKnown += cc.LastKnown
		total.FixRequests += cc.FixRequests
		total.Priorities = append(total.Priorities, cc.Priorities...)
	}
	return total
}

// Counts records the calls made on a connection.
type Counts struct {
	Connects    int
	Disconnects int
	LastKnown   int
	FixRequests int
	Priorities  []gps.Priority
}

// Conn is a fake gps.Conn.
type Conn struct {
	p *Provider

	mu      sync.Mutex
	counts  Counts
	cb      gps.Connector
	pending func(gps.Location)
}

func (c *Conn) Connect(cb gps.Connector) {
	c.mu.Lock()
	c.counts.Connects++
	c.cb = cb
	c.mu.Unlock()

	switch c.p.Mode {
	case ConnectSync:
		cb.OnConnected()
	case ConnectAsync:
		go cb.OnConnected()
	case ConnectFail:
		go cb.OnConnectionFailed(&gps.ConnectionError{Code: c.p.FailCode})
	case ConnectNever:
	}
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Disconnects++
	return nil
}

func (c *Conn) LastKnown() (gps.Location, bool) {
	c.mu.Lock()
	c.counts.LastKnown++
	c.mu.Unlock()
	if c.p.Cached == nil {
		return gps.Location{}, false
	}
	return *c.p.Cached, true
}

func (c *Conn) RequestSingleFix(p gps.Priority, fn func(gps.Location)) error {
	c.mu.Lock()
	c.counts.FixRequests++
	c.counts.Priorities = append(c.counts.Priorities, p)
	if c.p.FixErr != nil {
		c.mu.Unlock()
		return c.p.FixErr
	}
	c.pending = fn
	c.mu.Unlock()

	if c.p.Fix != nil {
		go c.Deliver(*c.p.Fix)
	}
	return nil
}

// Counts returns a snapshot of this connection's counters.
func (c *Conn) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.counts
	cc.Priorities = append([]gps.Priority(nil), c.counts.Priorities...)
	return cc
}

// FireConnected reports OnConnected to the connector.
func (c *Conn) FireConnected() {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.OnConnected()
	}
}

// FireConnectionFailed reports OnConnectionFailed with code to the connector.
func (c *Conn) FireConnectionFailed(code int) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.OnConnectionFailed(&gps.ConnectionError{Code: code})
	}
}

// FireSuspended reports OnSuspended to the connector.
func (c *Conn) FireSuspended(cause gps.SuspendCause) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.OnSuspended(cause)
	}
}

// Deliver hands loc to the pending fix callback. Unlike a real provider it
// keeps the callback, so tests can check that duplicates are dropped.
func (c *Conn) Deliver(loc gps.Location) bool {
	c.mu.Lock()
	fn := c.pending
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(loc)
	return true
}
