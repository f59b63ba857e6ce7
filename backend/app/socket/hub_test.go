package socket_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booth-agent/backend/app/socket"
	"booth-agent/protocol"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, ref string, payload any) {
	t.Helper()
	env, err := protocol.New(typ, ref, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHub_RegisterAndAckResult(t *testing.T) {
	hub := socket.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, protocol.TypeRegister, "", protocol.Register{TenantID: "t1", AgentID: "a1"})
	assert.Equal(t, protocol.TypeRegisterAck, read(t, conn).Type)
	require.Eventually(t, func() bool { return hub.IsOnline("a1") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a1"}, hub.OnlineAgents())

	send(t, conn, protocol.TypeResult, "c1", map[string]any{"command_id": "c1", "success": true})
	ack := read(t, conn)
	require.Equal(t, protocol.TypeResultAck, ack.Type)
	var body protocol.ResultAck
	require.NoError(t, ack.Decode(&body))
	assert.Equal(t, "c1", body.CommandID)
	assert.Len(t, hub.ResultsFor("c1"), 1)

	send(t, conn, protocol.TypeHeartbeat, "", protocol.Heartbeat{AgentID: "a1", Seq: 4})
	assert.Equal(t, protocol.TypeHeartbeatAck, read(t, conn).Type)
	assert.EqualValues(t, 4, hub.LastHeartbeat("a1"))
}

func TestHub_HoldsCommandsUntilRegistration(t *testing.T) {
	hub := socket.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	sent, err := hub.Issue("a1", map[string]string{"command_id": "c1"})
	require.NoError(t, err)
	assert.False(t, sent)

	conn := dial(t, srv)
	send(t, conn, protocol.TypeRegister, "", protocol.Register{TenantID: "t1", AgentID: "a1"})
	assert.Equal(t, protocol.TypeRegisterAck, read(t, conn).Type)
	cmd := read(t, conn)
	assert.Equal(t, protocol.TypeCommand, cmd.Type)
	assert.Contains(t, string(cmd.Payload), `"c1"`)
}

func TestHub_RejectsRegistration(t *testing.T) {
	hub := socket.NewHub()
	hub.SetOptions(socket.Options{RejectReason: "unknown tenant"})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, protocol.TypeRegister, "", protocol.Register{TenantID: "t1", AgentID: "a1"})
	env := read(t, conn)
	require.Equal(t, protocol.TypeRegisterReject, env.Type)
	var r protocol.RegisterReply
	require.NoError(t, env.Decode(&r))
	assert.Equal(t, "unknown tenant", r.Reason)
	assert.False(t, hub.IsOnline("a1"))
}

func TestHub_FirstMessageMustRegister(t *testing.T) {
	hub := socket.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, protocol.TypeHeartbeat, "", protocol.Heartbeat{AgentID: "a1", Seq: 1})
	assert.Equal(t, protocol.TypeRegisterReject, read(t, conn).Type)
}
