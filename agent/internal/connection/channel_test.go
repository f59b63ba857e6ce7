package connection_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booth-agent/agent/internal/auth"
	"booth-agent/agent/internal/command"
	"booth-agent/agent/internal/connection"
	"booth-agent/agent/internal/state"
	jwtutil "booth-agent/backend/app/jwt"
	"booth-agent/backend/app/middleware"
	"booth-agent/backend/app/socket"
	"booth-agent/protocol"
)

type fakeHandler struct {
	mu     sync.Mutex
	events []string
	acks   []string
}

func (h *fakeHandler) record(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *fakeHandler) Submit(_ context.Context, cmd *command.Command) error {
	h.record("submit:" + cmd.ID)
	return nil
}

func (h *fakeHandler) Replay(context.Context) error {
	h.record("replay")
	return nil
}

func (h *fakeHandler) Acknowledge(_ context.Context, id string) error {
	h.mu.Lock()
	h.acks = append(h.acks, id)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHandler) Acks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.acks...)
}

var agent = state.Identity{TenantID: "t1", AgentID: "a1", Inventory: "terminal:pos-1(ingenico)"}

type harness struct {
	hub     *socket.Hub
	ch      *connection.Channel
	handler *fakeHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

func start(t *testing.T, hub *socket.Hub, srv *httptest.Server, opts connection.Options) *harness {
	t.Helper()
	opts.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.Path
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = 10 * time.Millisecond
		opts.ReconnectMax = 50 * time.Millisecond
	}
	opts.ConnectTimeout = time.Second
	h := &harness{hub: hub, handler: &fakeHandler{}, done: make(chan struct{})}
	h.ch = connection.New(agent, opts, h.handler)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.ch.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func serve(hub *socket.Hub) *httptest.Server {
	return httptest.NewServer(hub)
}

func TestChannel_RegistersAndReplaysBeforeCommands(t *testing.T) {
	hub := socket.NewHub()
	srv := serve(hub)
	defer srv.Close()

	_, err := hub.Issue("a1", command.Command{ID: "c1", TenantID: "t1", ProviderID: "p", Kind: command.KindTerminalStatus})
	require.NoError(t, err)

	h := start(t, hub, srv, connection.Options{})
	require.Eventually(t, h.ch.Connected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.handler.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"replay", "submit:c1"}, h.handler.Events())
	assert.Equal(t, 1, hub.Registrations("a1"))
}

func TestChannel_ResultAcknowledged(t *testing.T) {
	hub := socket.NewHub()
	srv := serve(hub)
	defer srv.Close()
	h := start(t, hub, srv, connection.Options{})
	require.Eventually(t, h.ch.Connected, 2*time.Second, 10*time.Millisecond)

	resp := command.Succeeded("c9", time.Now())
	require.NoError(t, h.ch.SendResult(context.Background(), resp))
	require.Eventually(t, func() bool { return len(h.handler.Acks()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"c9"}, h.handler.Acks())
	assert.Len(t, hub.ResultsFor("c9"), 1)

	require.NoError(t, h.ch.SendDeviceStatus(context.Background(), "pos-1", "offline", "no route"))
	require.Eventually(t, func() bool { return len(hub.Statuses()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pos-1", hub.Statuses()[0].DeviceID)
}

func TestChannel_RejectedRegistrationKeepsRetrying(t *testing.T) {
	hub := socket.NewHub()
	hub.SetOptions(socket.Options{RejectReason: "unknown agent"})
	srv := serve(hub)
	defer srv.Close()

	var mu sync.Mutex
	var seen []connection.State
	h := start(t, hub, srv, connection.Options{OnStateChange: func(_, to connection.State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, s := range seen {
			if s == connection.StateReconnecting {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.ch.Connected())
	assert.Empty(t, h.handler.Events())

	hub.SetOptions(socket.Options{})
	require.Eventually(t, h.ch.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_MissedHeartbeatsReconnect(t *testing.T) {
	hub := socket.NewHub()
	hub.SetOptions(socket.Options{HoldHeartbeatAcks: true})
	srv := serve(hub)
	defer srv.Close()

	h := start(t, hub, srv, connection.Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatMissLimit: 2})
	require.Eventually(t, func() bool { return hub.Registrations("a1") >= 2 }, 3*time.Second, 10*time.Millisecond)

	hub.SetOptions(socket.Options{})
	require.Eventually(t, h.ch.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	hub := socket.NewHub()
	srv := serve(hub)
	defer srv.Close()
	h := start(t, hub, srv, connection.Options{})
	require.Eventually(t, h.ch.Connected, 2*time.Second, 10*time.Millisecond)

	hub.Disconnect("a1")
	require.Eventually(t, func() bool { return hub.Registrations("a1") == 2 && h.ch.Connected() }, 2*time.Second, 10*time.Millisecond)
	replays := 0
	for _, e := range h.handler.Events() {
		if e == "replay" {
			replays++
		}
	}
	assert.Equal(t, 2, replays)
}

func TestChannel_SendWhileDisconnected(t *testing.T) {
	ch := connection.New(agent, connection.Options{URL: "ws://127.0.0.1:1/agent/channel"}, &fakeHandler{})
	assert.Equal(t, connection.StateDisconnected, ch.State())
	err := ch.SendResult(context.Background(), command.Succeeded("c1", time.Now()))
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestChannel_BearerToken(t *testing.T) {
	hub := socket.NewHub()
	mw := &middleware.Auth{Verifier: &jwtutil.Verifier{Secret: []byte("s3cret"), Issuer: auth.Issuer}}
	srv := httptest.NewServer(mw.RequireAgent(hub))
	defer srv.Close()

	h := start(t, hub, srv, connection.Options{Signer: auth.NewSigner("s3cret", time.Minute)})
	require.Eventually(t, h.ch.Connected, 2*time.Second, 10*time.Millisecond)

	bad := start(t, socket.NewHub(), srv, connection.Options{Signer: auth.NewSigner("wrong", time.Minute)})
	time.Sleep(100 * time.Millisecond)
	assert.False(t, bad.ch.Connected())
}
