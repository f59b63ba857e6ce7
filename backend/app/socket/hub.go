package socket

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"booth-agent/backend/global"
	"booth-agent/protocol"
)

var ErrOffline = errors.New("agent offline")

// Options change how the hub answers agents. They can be swapped at runtime.
type Options struct {
	RejectReason      string
	HoldResultAcks    bool
	HoldHeartbeatAcks bool
}

// Result is one result message as received, kept raw.
type Result struct {
	AgentID   string
	CommandID string
	Body      json.RawMessage
}

type StatusReport struct {
	AgentID string
	protocol.DeviceStatus
}

// Hub tracks connected agents and what they reported. Commands issued to an
// offline agent are held and flushed after its next registration.
type Hub struct {
	mu       sync.RWMutex
	opts     Options
	byID     map[string]*session
	held     map[string][]protocol.Envelope
	regs     map[string]int
	results  []Result
	statuses []StatusReport
	beats    map[string]uint64
}

func NewHub() *Hub {
	return &Hub{
		byID:  map[string]*session{},
		held:  map[string][]protocol.Envelope{},
		regs:  map[string]int{},
		beats: map[string]uint64{},
	}
}

func (h *Hub) SetOptions(o Options) {
	h.mu.Lock()
	h.opts = o
	h.mu.Unlock()
}

func (h *Hub) options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opts
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	if old, ok := h.byID[s.agentID]; ok && old != s {
		old.close()
	}
	h.byID[s.agentID] = s
	h.regs[s.agentID]++
	held := h.held[s.agentID]
	delete(h.held, s.agentID)
	h.mu.Unlock()

	global.Logger.Info().Str("agent", s.agentID).Int("held", len(held)).Msg("agent registered")
	for i, env := range held {
		if err := s.write(env); err != nil {
			h.mu.Lock()
			h.held[s.agentID] = append(held[i:], h.held[s.agentID]...)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if cur, ok := h.byID[s.agentID]; ok && cur == s {
		delete(h.byID, s.agentID)
	}
	h.mu.Unlock()
	global.Logger.Info().Str("agent", s.agentID).Msg("agent disconnected")
}

func (h *Hub) IsOnline(agentID string) bool {
	h.mu.RLock()
	_, ok := h.byID[agentID]
	h.mu.RUnlock()
	return ok
}

func (h *Hub) OnlineAgents() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.byID))
	for id := range h.byID {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Registrations counts successful registrations of agentID.
func (h *Hub) Registrations(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.regs[agentID]
}

// Issue sends cmd to the agent, or holds it until the agent registers.
// It reports whether the command went out immediately.
func (h *Hub) Issue(agentID string, cmd any) (bool, error) {
	env, err := protocol.New(protocol.TypeCommand, "", cmd)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	s, ok := h.byID[agentID]
	if !ok {
		h.held[agentID] = append(h.held[agentID], env)
		h.mu.Unlock()
		return false, nil
	}
	h.mu.Unlock()
	if err := s.write(env); err != nil {
		h.mu.Lock()
		h.held[agentID] = append(h.held[agentID], env)
		h.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Send pushes an arbitrary message to an online agent.
func (h *Hub) Send(agentID string, env protocol.Envelope) error {
	h.mu.RLock()
	s, ok := h.byID[agentID]
	h.mu.RUnlock()
	if !ok {
		return ErrOffline
	}
	return s.write(env)
}

// Disconnect drops the agent's socket without telling it.
func (h *Hub) Disconnect(agentID string) {
	h.mu.RLock()
	s, ok := h.byID[agentID]
	h.mu.RUnlock()
	if ok {
		s.close()
	}
}

func (h *Hub) recordResult(r Result) {
	h.mu.Lock()
	h.results = append(h.results, r)
	h.mu.Unlock()
}

// Results returns every result received, in arrival order, duplicates included.
func (h *Hub) Results() []Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Result(nil), h.results...)
}

// ResultsFor returns the results received for one command.
func (h *Hub) ResultsFor(commandID string) []Result {
	var out []Result
	for _, r := range h.Results() {
		if r.CommandID == commandID {
			out = append(out, r)
		}
	}
	return out
}

func (h *Hub) recordStatus(agentID string, st protocol.DeviceStatus) {
	h.mu.Lock()
	h.statuses = append(h.statuses, StatusReport{AgentID: agentID, DeviceStatus: st})
	h.mu.Unlock()
}

func (h *Hub) Statuses() []StatusReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]StatusReport(nil), h.statuses...)
}

func (h *Hub) recordBeat(agentID string, seq uint64) {
	h.mu.Lock()
	h.beats[agentID] = seq
	h.mu.Unlock()
}

// LastHeartbeat is the highest heartbeat sequence seen from agentID.
func (h *Hub) LastHeartbeat(agentID string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.beats[agentID]
}
