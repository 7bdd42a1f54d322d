// Package server defines the transport abstraction, session states and shared
// helpers reused across session and hub logic.
package server

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrHubClosed is returned by hub operations after Shutdown.
	ErrHubClosed = errors.New("hub closed")
	// ErrSlowConsumer ends a session whose outbound buffer overflowed.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrTransport wraps read and write failures on the client connection.
	ErrTransport = errors.New("transport failure")
)

// Conn is the bidirectional frame channel a Session runs on. It is satisfied
// by *websocket.Conn. Close must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingName
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingName:
		return "awaiting_name"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
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
