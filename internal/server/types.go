// Package server defines connection lifecycle states and utility helpers that
// are reused across client and hub logic.
package server

import "strings"

// ConnState is where a connection is in its lifecycle. Attempts that fail
// admission never get a Client, so StateRejected is only ever logged.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAdmitted
	StateActive
	StateClosed
	StateRejected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitted:
		return "admitted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
