package controllers

import (
	"encoding/json"
	"net/http"

	"booth-agent/backend/app/socket"
)

type CommandController struct{ Hub *socket.Hub }

func NewCommandController(h *socket.Hub) *CommandController { return &CommandController{Hub: h} }

type commandRequest struct {
	AgentID string          `json:"agent_id"`
	Command json.RawMessage `json:"command"`
}

// Post issues one command. POST /admin/command {"agent_id":..,"command":{..}}
func (c *CommandController) Post(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || len(req.Command) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sent, err := c.Hub.Issue(req.AgentID, req.Command)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"sent": sent})
}

// Online lists connected agents, or checks one with ?agent_id=.
func (c *CommandController) Online(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if id := r.URL.Query().Get("agent_id"); id != "" {
		_ = json.NewEncoder(w).Encode(map[string]bool{"online": c.Hub.IsOnline(id)})
		return
	}
	list := c.Hub.OnlineAgents()
	_ = json.NewEncoder(w).Encode(map[string]any{"online_agents": list, "count": len(list)})
}

// Results returns received results, optionally filtered by ?command_id=.
func (c *CommandController) Results(w http.ResponseWriter, r *http.Request) {
	var list []socket.Result
	if id := r.URL.Query().Get("command_id"); id != "" {
		list = c.Hub.ResultsFor(id)
	} else {
		list = c.Hub.Results()
	}
	out := make([]json.RawMessage, 0, len(list))
	for _, res := range list {
		out = append(out, res.Body)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
