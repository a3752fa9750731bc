package gps

import (
	"fmt"

	"go.uber.org/zap"
)

// Connection failure codes reported by providers.
const (
	CodeInternalError  = 8
	CodeNetworkError   = 7
	CodeServiceMissing = 1
	CodeTimeout        = 14
	CodeCanceled       = 13
)

// ConnectionError is the provider's reason for a failed connection attempt.
type ConnectionError struct {
	Code int
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gps: connection failed (code %d)", e.Code)
	}
	return fmt.Sprintf("gps: connection failed (code %d): %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SuspendCause says why an established connection was suspended.
type SuspendCause int

const (
	CauseServiceDisconnected SuspendCause = 1
	CauseNetworkLost         SuspendCause = 2
)

func (c SuspendCause) String() string {
	switch c {
	case CauseServiceDisconnected:
		return "service disconnected"
	case CauseNetworkLost:
		return "network lost"
	}
	return fmt.Sprintf("cause %d", int(c))
}

// Connector receives the lifecycle of one Conn.
type Connector interface {
	OnConnected()
	OnSuspended(cause SuspendCause)
	OnConnectionFailed(err *ConnectionError)
}

// DefaultConnector supplies the suspension and failure reactions. It has no
// OnConnected, so a type embedding it satisfies Connector only once it
// provides its own success action.
type DefaultConnector struct {
	Log *zap.Logger
}

func (d DefaultConnector) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// OnSuspended does nothing; the connection may resume on its own.
func (d DefaultConnector) OnSuspended(cause SuspendCause) {
	d.logger().Debug("connection suspended", zap.Stringer("cause", cause))
}

// OnConnectionFailed logs the provider's error code. It never retries.
func (d DefaultConnector) OnConnectionFailed(err *ConnectionError) {
	d.logger().Warn("location provider connection failed",
		zap.Int("code", err.Code), zap.Error(err.Err))
}
