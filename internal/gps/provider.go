package gps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable reports that a provider service cannot be used at all.
	// No connection is attempted when Available returns it.
	ErrUnavailable = errors.New("gps: provider unavailable")
	// ErrNotConnected is returned by Conn methods called before OnConnected.
	ErrNotConnected = errors.New("gps: not connected")
)

// Provider is the interface for location services. A Provider hands out one
// Conn per request; connections are never shared between requests.
type Provider interface {
	Name() string
	// Available returns nil when a connection attempt can be made, or an
	// error wrapping ErrUnavailable.
	Available() error
	NewConn() Conn
}

// Conn is a single connection to a provider service.
type Conn interface {
	// Connect starts connecting and reports the outcome to c, either from
	// within Connect or later from another goroutine.
	Connect(c Connector)
	Disconnect() error
	// LastKnown returns the provider's cached position, if any.
	LastKnown() (Location, bool)
	// RequestSingleFix asks for one fresh fix at priority p. fn is called at
	// most once.
	RequestSingleFix(p Priority, fn func(Location)) error
}

// Location holds a single position. Accuracy, Time and Source are optional.
type Location struct {
	Latitude  float64   `json:"latitude"`           // Decimal degrees
	Longitude float64   `json:"longitude"`          // Decimal degrees
	Accuracy  float64   `json:"accuracy,omitempty"` // Meters, 0 if unknown
	Time      time.Time `json:"time"`               // Zero if unknown, omitted from JSON
	Source    string    `json:"source,omitempty"`
}

// MarshalJSON leaves out an unknown time.
func (l Location) MarshalJSON() ([]byte, error) {
	type plain Location
	out := struct {
		plain
		Time *time.Time `json:"time,omitempty"`
	}{plain: plain(l)}
	if !l.Time.IsZero() {
		out.Time = &l.Time
	}
	return json.Marshal(out)
}

func (l Location) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", l.Latitude, l.Longitude)
}

// Priority is an accuracy/power tradeoff tier for a fresh fix.
type Priority int

const (
	PriorityDefault      Priority = 0
	PriorityHighAccuracy Priority = 100
	PriorityBalanced     Priority = 102
	PriorityLowPower     Priority = 104
	PriorityPassive      Priority = 105
)

// Resolve maps anything that is not a known tier to PriorityDefault.
func (p Priority) Resolve() Priority {
	switch p {
	case PriorityHighAccuracy, PriorityBalanced, PriorityLowPower, PriorityPassive:
		return p
	}
	return PriorityDefault
}

func (p Priority) String() string {
	switch p.Resolve() {
	case PriorityHighAccuracy:
		return "high"
	case PriorityBalanced:
		return "balanced"
	case PriorityLowPower:
		return "low"
	case PriorityPassive:
		return "passive"
	}
	return "default"
}

// ParsePriority accepts the names produced by String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PriorityDefault, nil
	case "high", "high_accuracy":
		return PriorityHighAccuracy, nil
	case "balanced", "balanced_power":
		return PriorityBalanced, nil
	case "low", "low_power":
		return PriorityLowPower, nil
	case "passive", "no_power":
		return PriorityPassive, nil
	}
	return PriorityDefault, fmt.Errorf("gps: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Disabled is a Provider that is never available.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Available() error {
	return fmt.Errorf("%w: disabled by configuration", ErrUnavailable)
}

// NewConn is never reached because Available always fails.
func (Disabled) NewConn() Conn { return nil }
