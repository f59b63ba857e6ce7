package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// streamConn implements Conn over any byte stream speaking the framed
// protocol: TCP sockets, serial ttys and RFCOMM sockets.
type streamConn struct {
	kind     Kind
	target   string
	settings Settings
	dial     dialFunc

	mu        sync.Mutex
	rwc       io.ReadWriteCloser
	rd        *bufio.Reader
	connected atomic.Bool
}

func newStream(s Settings, dial dialFunc) *streamConn {
	return &streamConn{kind: s.Type, target: s.Target(), settings: s, dial: dial}
}

func (c *streamConn) Kind() Kind        { return c.kind }
func (c *streamConn) Target() string    { return c.target }
func (c *streamConn) IsConnected() bool { return c.connected.Load() }

func (c *streamConn) Connect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rwc != nil {
		return nil
	}
	if timeout <= 0 {
		timeout = c.settings.EffectiveTimeout()
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rwc, err := c.dial(dctx)
	if err != nil {
		return &ConnectionError{Transport: c.kind, Target: c.target, Err: err}
	}
	c.rwc = rwc
	c.rd = bufio.NewReader(rwc)
	c.connected.Store(true)
	return nil
}

func (c *streamConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *streamConn) closeLocked() error {
	c.connected.Store(false)
	if c.rwc == nil {
		return nil
	}
	err := c.rwc.Close()
	c.rwc, c.rd = nil, nil
	return err
}

func (c *streamConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.exchange(ctx, "send", data, c.settings.EffectiveTimeout(), false)
	return err
}

func (c *streamConn) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange(ctx, "receive", nil, timeout, true)
}

func (c *streamConn) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange(ctx, "exchange", data, timeout, true)
}

func (c *streamConn) Ping(ctx context.Context) (PingStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rwc == nil {
		return PingReady, ErrNotConnected
	}
	stop := c.arm(ctx, c.settings.EffectiveTimeout())
	defer stop()
	if _, err := c.rwc.Write([]byte{ENQ}); err != nil {
		return PingReady, c.fail("ping", []byte{ENQ}, nil, err)
	}
	b, err := c.rd.ReadByte()
	if err != nil {
		return PingReady, c.fail("ping", []byte{ENQ}, nil, err)
	}
	switch b {
	case ACK:
		return PingReady, nil
	case BUSY, NAK:
		return PingBusy, nil
	}
	return PingReady, c.fail("ping", []byte{ENQ}, []byte{b}, fmt.Errorf("unexpected reply 0x%02x", b))
}

// exchange runs with c.mu held.
func (c *streamConn) exchange(ctx context.Context, op string, data []byte, timeout time.Duration, read bool) ([]byte, error) {
	if c.rwc == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.settings.EffectiveTimeout()
	}
	stop := c.arm(ctx, timeout)
	defer stop()

	var sent []byte
	if data != nil {
		frame, err := EncodeFrame(data)
		if err != nil {
			return nil, err
		}
		if _, err := c.rwc.Write(frame); err != nil {
			return nil, c.fail(op, frame, nil, err)
		}
		sent = frame
	}
	if !read {
		return nil, nil
	}
	payload, raw, err := ReadFrame(c.rd)
	if err != nil {
		if ctx.Err() != nil && !isTimeout(err) {
			err = ctx.Err()
		}
		return nil, c.fail(op, sent, raw, err)
	}
	return payload, nil
}

// arm bounds the next I/O by timeout and by ctx cancellation.
func (c *streamConn) arm(ctx context.Context, timeout time.Duration) func() {
	d, ok := c.rwc.(deadliner)
	if !ok {
		return func() {}
	}
	_ = d.SetDeadline(time.Now().Add(timeout))
	release := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
	return func() {
		release()
		_ = d.SetDeadline(time.Time{})
	}
}

// fail closes the link, since its framing state is unknown after a fault.
func (c *streamConn) fail(op string, sent, received []byte, err error) error {
	_ = c.closeLocked()
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("link closed by device: %w", err)
	}
	return &CommunicationError{
		Op:        op,
		Transport: c.kind,
		Target:    c.target,
		Timeout:   isTimeout(err),
		Sent:      sent,
		Received:  received,
		Err:       err,
	}
}
