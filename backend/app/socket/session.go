package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"booth-agent/backend/app/middleware"
	"booth-agent/backend/global"
	"booth-agent/protocol"
)

const (
	registerWait = 10 * time.Second
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type session struct {
	agentID string
	conn    *websocket.Conn
	mu      sync.Mutex
	once    sync.Once
}

func (s *session) write(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *session) reply(typ, ref string, payload any) error {
	env, err := protocol.New(typ, ref, payload)
	if err != nil {
		return err
	}
	return s.write(env)
}

func (s *session) close() { s.once.Do(func() { _ = s.conn.Close() }) }

// ServeHTTP upgrades an agent channel request and runs it until the socket
// closes. The first message must be a registration.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		global.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s := &session{conn: conn}
	defer s.close()

	_ = conn.SetReadDeadline(time.Now().Add(registerWait))
	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		global.Logger.Warn().Err(err).Msg("no registration received")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	var reg protocol.Register
	if first.Type != protocol.TypeRegister || first.Decode(&reg) != nil || reg.AgentID == "" {
		_ = s.reply(protocol.TypeRegisterReject, first.ID, protocol.RegisterReply{Reason: "registration expected"})
		return
	}
	if claims := middleware.GetClaims(r.Context()); claims != nil && (claims.AgentID != reg.AgentID || claims.TenantID != reg.TenantID) {
		_ = s.reply(protocol.TypeRegisterReject, first.ID, protocol.RegisterReply{Reason: "token does not match agent"})
		return
	}
	if reason := h.options().RejectReason; reason != "" {
		_ = s.reply(protocol.TypeRegisterReject, first.ID, protocol.RegisterReply{Reason: reason})
		return
	}
	s.agentID = reg.AgentID
	if err := s.reply(protocol.TypeRegisterAck, first.ID, protocol.RegisterReply{}); err != nil {
		return
	}
	global.Logger.Info().Str("agent", reg.AgentID).Str("tenant", reg.TenantID).Str("inventory", reg.Inventory).Str("version", reg.Version).Msg("agent connected")
	h.register(s)
	defer h.unregister(s)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		h.dispatch(s, env)
	}
}

func (h *Hub) dispatch(s *session, env protocol.Envelope) {
	opts := h.options()
	switch env.Type {
	case protocol.TypeResult:
		var head struct {
			CommandID string `json:"command_id"`
		}
		_ = json.Unmarshal(env.Payload, &head)
		if head.CommandID == "" {
			head.CommandID = env.Ref
		}
		h.recordResult(Result{AgentID: s.agentID, CommandID: head.CommandID, Body: env.Payload})
		global.Logger.Info().Str("agent", s.agentID).Str("command_id", head.CommandID).Msg("result received")
		if !opts.HoldResultAcks {
			_ = s.reply(protocol.TypeResultAck, env.ID, protocol.ResultAck{CommandID: head.CommandID})
		}
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		_ = env.Decode(&hb)
		h.recordBeat(s.agentID, hb.Seq)
		if !opts.HoldHeartbeatAcks {
			_ = s.reply(protocol.TypeHeartbeatAck, env.ID, hb)
		}
	case protocol.TypeDeviceStatus:
		var st protocol.DeviceStatus
		if env.Decode(&st) == nil {
			h.recordStatus(s.agentID, st)
			global.Logger.Info().Str("agent", s.agentID).Str("device", st.DeviceID).Str("status", st.Status).Msg("device status")
		}
	case protocol.TypeHeartbeatAck:
	default:
		global.Logger.Debug().Str("agent", s.agentID).Str("type", env.Type).Msg("ignoring message")
	}
}
