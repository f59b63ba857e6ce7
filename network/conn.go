package network

import (
	"context"
	"fmt"
	"time"
)

// PingStatus is the readiness a device reports to a ping.
type PingStatus int

const (
	PingReady PingStatus = iota
	PingBusy
)

func (p PingStatus) String() string {
	if p == PingBusy {
		return "busy"
	}
	return "ready"
}

// Conn is a uniform channel to one physical device. Implementations are safe
// for concurrent use; each call holds the link for its whole exchange.
type Conn interface {
	Kind() Kind
	Target() string
	IsConnected() bool
	// Connect opens the link. It is a no-op on an open link.
	Connect(ctx context.Context, timeout time.Duration) error
	// Disconnect releases the link. Safe to call repeatedly.
	Disconnect() error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error)
	// Ping reports whether the device is ready or busy. Busy is not an error.
	Ping(ctx context.Context) (PingStatus, error)
}

// factories build a Conn for validated settings.
var factories = map[Kind]func(Settings) (Conn, error){
	KindTCP:       newTCP,
	KindSerial:    newSerial,
	KindUSB:       newUSB,
	KindBluetooth: newBluetooth,
	KindREST:      newREST,
}

// New validates settings and returns an unopened Conn.
func New(s Settings) (Conn, error) {
	f, ok := factories[s.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidSettings, s.Type)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return f(s)
}
