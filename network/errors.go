package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	ErrNotConnected         = errors.New("device not connected")
	ErrUnsupportedTransport = errors.New("transport not supported on this platform")
	ErrBadFrame             = errors.New("malformed frame")
)

// ConnectionError reports a transport that could not be opened.
type ConnectionError struct {
	Transport Kind
	Target    string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s %s: %v", e.Transport, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommunicationError reports an I/O fault or timeout on an open transport.
// Sent and Received hold the raw bytes for in-process diagnostics; they are
// never part of Error() since device replies may carry card data.
type CommunicationError struct {
	Op        string
	Transport Kind
	Target    string
	Timeout   bool
	Sent      []byte
	Received  []byte
	Err       error
}

func (e *CommunicationError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("%s over %s %s %s (sent %d bytes, received %d bytes): %v",
		e.Op, e.Transport, e.Target, kind, len(e.Sent), len(e.Received), e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// RefusedError reports a device or bridge that answered but would not carry
// out the request. The exchange happened, so it is not retried.
type RefusedError struct {
	Op     string
	Target string
	Status int
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s refused by %s: status %d", e.Op, e.Target, e.Status)
}

// IsCommunication reports whether err is a transport-level failure that may be retried.
func IsCommunication(err error) bool {
	var ce *CommunicationError
	var ne *ConnectionError
	return errors.As(err, &ce) || errors.As(err, &ne) || errors.Is(err, ErrNotConnected)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
