package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/logger"
	"booth-agent/network"
)

// Kind is the device class of a configured device.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindPrinter  Kind = "printer"
)

// Status is the health a device reports to the cloud.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

var ErrInvalidConfig = errors.New("invalid device config")

// Config is one entry of agent.devices.
type Config struct {
	ID         string           `mapstructure:"id"`
	Kind       Kind             `mapstructure:"kind"`
	Provider   string           `mapstructure:"provider"`
	Codec      string           `mapstructure:"codec"`
	P2PE       bool             `mapstructure:"p2pe"`
	Connection network.Settings `mapstructure:"connection"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("%w: device %s has no provider", ErrInvalidConfig, c.ID)
	}
	if c.Kind != KindTerminal && c.Kind != KindPrinter {
		return fmt.Errorf("%w: device %s has unknown kind %q", ErrInvalidConfig, c.ID, c.Kind)
	}
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("device %s: %w", c.ID, err)
	}
	return nil
}

// Service executes commands against one physical device.
//
// Execute returns a Response for every outcome the device itself decides,
// including declines and paper faults. It returns an error only for transport
// faults (network errors, retryable) and compliance faults (*ComplianceError).
type Service interface {
	ID() string
	Provider() string
	Kind() Kind
	Supports(k command.Kind) bool
	Execute(ctx context.Context, cmd *command.Command) (*command.Response, error)
	Ping(ctx context.Context) (Status, error)
	Close() error
}

// New builds the service for cfg with a transport from its connection settings.
func New(cfg Config) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := network.New(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}
	codec, err := LookupCodec(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}
	switch cfg.Kind {
	case KindTerminal:
		return NewTerminal(cfg, conn, codec), nil
	default:
		return NewPrinter(cfg, conn, codec), nil
	}
}

// link is the transport half shared by both services. The connection is
// opened lazily and dropped after any transport fault so the next call redials.
type link struct {
	cfg   Config
	conn  network.Conn
	codec Codec
	mu    sync.Mutex
}

func (l *link) ensure(ctx context.Context) error {
	if l.conn.IsConnected() {
		return nil
	}
	if err := l.conn.Connect(ctx, 0); err != nil {
		return err
	}
	logger.L.Info().Str("device_id", l.cfg.ID).Str("transport", string(l.conn.Kind())).Str("target", l.conn.Target()).Msg("device connected")
	return nil
}

// call runs one request/reply exchange bounded by ctx.
func (l *link) call(ctx context.Context, op, ref string, body any) (*Reply, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}
	req, err := l.codec.EncodeRequest(Request{Op: op, Ref: ref, Body: body})
	if err != nil {
		return nil, err
	}
	timeout := l.cfg.Connection.EffectiveTimeout()
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	raw, err := l.conn.SendAndReceive(ctx, req, timeout)
	if err != nil {
		if network.IsCommunication(err) {
			_ = l.conn.Disconnect()
		}
		return nil, err
	}
	return l.codec.DecodeReply(raw)
}

func (l *link) ping(ctx context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensure(ctx); err != nil {
		return StatusOffline, err
	}
	st, err := l.conn.Ping(ctx)
	if err != nil {
		_ = l.conn.Disconnect()
		return StatusOffline, err
	}
	if st == network.PingBusy {
		return StatusBusy, nil
	}
	return StatusOnline, nil
}

func (l *link) close() error { return l.conn.Disconnect() }

// MaxRetries is the per-device retry budget from the connection settings.
func (l *link) MaxRetries() int { return l.cfg.Connection.MaxRetries }

// fromReply converts a non-ok reply into a failed response. Device codes
// matching a known response code pass through; anything else is DEVICE_ERROR.
func fromReply(cmdID string, r *Reply, now time.Time) *command.Response {
	var resp *command.Response
	switch r.Status {
	case ReplyDeclined:
		resp = command.Failed(cmdID, command.CodeDeclined, r.Message, now)
	case ReplyBusy:
		resp = command.Failed(cmdID, command.CodeDeviceBusy, nonEmpty(r.Message, "device busy"), now)
	default:
		code := command.CodeDeviceError
		switch c := strings.ToUpper(r.Code); c {
		case command.CodeOutOfPaper, command.CodeFiscalMemoryFull, command.CodeCoverOpen, command.CodeDeclined, command.CodeDeviceBusy:
			code = c
		}
		resp = command.Failed(cmdID, code, nonEmpty(r.Message, r.Code), now)
	}
	if len(r.Meta) > 0 {
		resp.Metadata = r.Meta
	}
	return resp
}

func nonEmpty(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// unreadable reports a reply that arrived but could not be understood. The
// exchange already happened, so it is a device error and not retried.
func unreadable(cmdID string, err error, now time.Time) *command.Response {
	return command.Failed(cmdID, command.CodeDeviceError, err.Error(), now)
}
