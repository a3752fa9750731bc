package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoProvider generates simulated fixes for testing without hardware.
// Fixes trace a circle around Center; fixed coordinates can be pinned
// with Fixed.
type DemoProvider struct {
	mu     sync.Mutex
	t      float64
	center Location
	fixed  *Location
	delay  time.Duration
	cache  *Cache
}

// DemoConfig holds configuration for the demo provider.
type DemoConfig struct {
	// Fixed pins every fix to these coordinates when set.
	Fixed *Location
	// FixDelay simulates the time to a fresh fix at high accuracy; lower
	// tiers take proportionally longer.
	FixDelay time.Duration
}

// NewDemo creates a demo provider centred on Toronto.
func NewDemo(cfg DemoConfig, cache *Cache) *DemoProvider {
	if cfg.FixDelay <= 0 {
		cfg.FixDelay = 200 * time.Millisecond
	}
	return &DemoProvider{
		center: Location{Latitude: 43.6532, Longitude: -79.3832},
		fixed:  cfg.Fixed,
		delay:  cfg.FixDelay,
		cache:  cache,
	}
}

func (d *DemoProvider) Name() string     { return "Demo GPS (Simulated)" }
func (d *DemoProvider) Available() error { return nil }
func (d *DemoProvider) NewConn() Conn    { return &demoConn{d: d, stop: make(chan struct{})} }

func (d *DemoProvider) delayFor(p Priority) time.Duration {
	switch p.Resolve() {
	case PriorityBalanced:
		return d.delay * 2
	case PriorityLowPower, PriorityPassive:
		return d.delay * 4
	}
	return d.delay
}

func (d *DemoProvider) next() Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	if d.fixed != nil {
		loc := *d.fixed
		loc.Time = time.Now().UTC()
		loc.Source = d.Name()
		return loc
	}

	// Simulate driving in a circle around the centre
	radius := 0.005 // ~500m
	return Location{
		Latitude:  d.center.Latitude + radius*math.Sin(d.t*0.1),
		Longitude: d.center.Longitude + radius*math.Cos(d.t*0.1),
		Accuracy:  4 + rand.Float64()*2,
		Time:      time.Now().UTC(),
		Source:    d.Name(),
	}
}

type demoConn struct {
	d *DemoProvider

	mu        sync.Mutex
	connected bool
	stop      chan struct{}
	stopOnce  sync.Once
}

func (c *demoConn) Connect(cb Connector) {
	go func() {
		c.mu.Lock()
		select {
		case <-c.stop:
			c.mu.Unlock()
			cb.OnConnectionFailed(&ConnectionError{Code: CodeCanceled})
			return
		default:
		}
		c.connected = true
		c.mu.Unlock()
		cb.OnConnected()
	}()
}

func (c *demoConn) Disconnect() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *demoConn) LastKnown() (Location, bool) {
	return c.d.cache.Get()
}

func (c *demoConn) RequestSingleFix(p Priority, fn func(Location)) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	go func() {
		timer := time.NewTimer(c.d.delayFor(p))
		defer timer.Stop()
		select {
		case <-c.stop:
			return
		case <-timer.C:
		}
		loc := c.d.next()
		c.d.cache.Put(loc)
		fn(loc)
	}()
	return nil
}
