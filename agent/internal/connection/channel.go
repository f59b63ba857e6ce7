package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"booth-agent/agent/internal/auth"
	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/logger"
	"booth-agent/agent/internal/state"
	"booth-agent/protocol"
)

var (
	ErrNotConnected         = errors.New("cloud channel not connected")
	ErrRegistrationRejected = errors.New("registration rejected")
	errHeartbeatMissed      = errors.New("heartbeat acknowledgements missed")
)

// Handler receives what the cloud sends. The dispatcher implements it.
type Handler interface {
	Submit(ctx context.Context, cmd *command.Command) error
	Replay(ctx context.Context) error
	Acknowledge(ctx context.Context, commandID string) error
}

type Options struct {
	URL                string
	Signer             *auth.Signer
	Version            string
	ConnectTimeout     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	ReconnectFactor    float64
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatMissLimit <= 0 {
		o.HeartbeatMissLimit = 3
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectFactor < 1 {
		o.ReconnectFactor = 1.5
	}
}

// Channel keeps one duplex websocket session to the cloud alive, registering
// the agent on every connect and replaying the offline queue before it reads
// new commands.
type Channel struct {
	id      state.Identity
	opts    Options
	handler Handler
	machine *fsm.FSM

	writeMu sync.Mutex
	conn    *websocket.Conn

	seq     atomic.Uint64
	lastAck atomic.Uint64
}

func New(id state.Identity, opts Options, h Handler) *Channel {
	opts.defaults()
	c := &Channel{id: id, opts: opts, handler: h}
	c.machine = newMachine(func(from, to State) {
		logger.L.Info().Str("from", string(from)).Str("to", string(to)).Msg("cloud channel state")
		if opts.OnStateChange != nil {
			opts.OnStateChange(from, to)
		}
	})
	return c
}

func (c *Channel) State() State { return State(c.machine.Current()) }

func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Run connects and reconnects until ctx ends. Registration rejections and
// transport faults are logged and retried; Run itself only returns on ctx.
func (c *Channel) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectBase
	bo.MaxInterval = c.opts.ReconnectMax
	bo.Multiplier = c.opts.ReconnectFactor
	bo.RandomizationFactor = 0.1

	defer c.fire(context.Background(), eventStop)
	for {
		c.fire(ctx, eventDial)
		reached, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.fire(ctx, eventFault)
		if reached {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		if errors.Is(err, ErrRegistrationRejected) {
			delay = c.opts.ReconnectMax
			logger.L.Error().Err(err).Dur("retry_in", delay).Msg("cloud refused agent registration")
		} else {
			logger.L.Warn().Err(err).Dur("retry_in", delay).Msg("cloud channel lost")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Channel) fire(ctx context.Context, event string) {
	if err := c.machine.Event(ctx, event); err != nil {
		var noop fsm.NoTransitionError
		var invalid fsm.InvalidEventError
		if !errors.As(err, &noop) && !errors.As(err, &invalid) {
			logger.L.Warn().Err(err).Str("event", event).Msg("channel state transition")
		}
	}
}

// session runs one connection. reached reports whether it got to Connected.
func (c *Channel) session(ctx context.Context) (reached bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := c.register(conn); err != nil {
		return false, err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// closing the socket unblocks the reader when the session ends
	stop := context.AfterFunc(sctx, func() {
		if ctx.Err() != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = conn.Close()
	})
	defer stop()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
	}()
	c.seq.Store(0)
	c.lastAck.Store(0)
	c.fire(ctx, eventEstablished)

	if err := c.handler.Replay(sctx); err != nil {
		return true, fmt.Errorf("replay: %w", err)
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.heartbeat(gctx) })
	return true, g.Wait()
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Signer != nil {
		tok, err := c.opts.Signer.Sign(c.id.TenantID, c.id.AgentID)
		if err != nil {
			return nil, fmt.Errorf("sign channel token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	d := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout, Proxy: http.ProxyFromEnvironment}
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, resp, err := d.DialContext(dctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

func (c *Channel) register(conn *websocket.Conn) error {
	env, err := protocol.New(protocol.TypeRegister, "", protocol.Register{
		TenantID:  c.id.TenantID,
		AgentID:   c.id.AgentID,
		Inventory: c.id.Inventory,
		Version:   c.opts.Version,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("await registration reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	switch reply.Type {
	case protocol.TypeRegisterAck:
		logger.L.Info().Str("agent_id", c.id.AgentID).Str("tenant_id", c.id.TenantID).Msg("agent registered")
		return nil
	case protocol.TypeRegisterReject:
		var r protocol.RegisterReply
		_ = reply.Decode(&r)
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, r.Reason)
	}
	return fmt.Errorf("unexpected %q before registration reply", reply.Type)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	idle := c.opts.HeartbeatInterval * time.Duration(c.opts.HeartbeatMissLimit+1)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (c *Channel) handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeCommand:
		var cmd command.Command
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			logger.L.Warn().Err(err).Str("message_id", env.ID).Msg("undecodable command dropped")
			return nil
		}
		if err := c.handler.Submit(ctx, &cmd); err != nil {
			logger.L.Error().Err(err).Str("command_id", cmd.ID).Msg("command not accepted")
		}
	case protocol.TypeResultAck:
		var ack protocol.ResultAck
		if err := env.Decode(&ack); err != nil {
			logger.L.Warn().Err(err).Msg("bad result ack")
			return nil
		}
		if err := c.handler.Acknowledge(ctx, ack.CommandID); err != nil {
			logger.L.Warn().Err(err).Str("command_id", ack.CommandID).Msg("result ack not recorded")
		}
	case protocol.TypeHeartbeatAck:
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err == nil {
			for {
				cur := c.lastAck.Load()
				if hb.Seq <= cur || c.lastAck.CompareAndSwap(cur, hb.Seq) {
					break
				}
			}
		}
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		_ = env.Decode(&hb)
		return c.send(ctx, protocol.TypeHeartbeatAck, env.ID, protocol.Heartbeat{AgentID: c.id.AgentID, Seq: hb.Seq})
	case protocol.TypeRegisterReject:
		var r protocol.RegisterReply
		_ = env.Decode(&r)
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, r.Reason)
	default:
		logger.L.Debug().Str("type", env.Type).Msg("ignoring message")
	}
	return nil
}

// heartbeat sends a beat every interval and faults the session once
// HeartbeatMissLimit beats in a row went unacknowledged.
func (c *Channel) heartbeat(ctx context.Context) error {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		sent, acked := c.seq.Load(), c.lastAck.Load()
		if sent > acked && sent-acked >= uint64(c.opts.HeartbeatMissLimit) {
			return fmt.Errorf("%w: %d outstanding", errHeartbeatMissed, sent-acked)
		}
		seq := c.seq.Add(1)
		if err := c.send(ctx, protocol.TypeHeartbeat, "", protocol.Heartbeat{AgentID: c.id.AgentID, Seq: seq}); err != nil {
			return err
		}
	}
}

func (c *Channel) send(_ context.Context, typ, ref string, payload any) error {
	env, err := protocol.New(typ, ref, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// SendResult transmits a command response.
func (c *Channel) SendResult(ctx context.Context, resp *command.Response) error {
	return c.send(ctx, protocol.TypeResult, resp.CommandID, resp)
}

// SendDeviceStatus reports a device health change.
func (c *Channel) SendDeviceStatus(ctx context.Context, deviceID, status, detail string) error {
	return c.send(ctx, protocol.TypeDeviceStatus, "", protocol.DeviceStatus{DeviceID: deviceID, Status: status, Detail: detail})
}
