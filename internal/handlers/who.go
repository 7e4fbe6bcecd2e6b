package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub-protocol/agenthub/internal/presence"
)

// PresenceResponse represents one agent's presence state.
type PresenceResponse struct {
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// Who handles presence lookup for a single agent.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	rec, ok := h.tracker.Lookup(agentID)
	if !ok {
		h.Error(w, http.StatusNotFound, "agent has never connected")
		return
	}

	h.JSON(w, http.StatusOK, presenceResponse(rec))
}

// WhoAll handles listing presence for every agent seen this process
// lifetime, online first.
func (h *Handler) WhoAll(w http.ResponseWriter, r *http.Request) {
	records := h.tracker.Snapshot()
	sort.Slice(records, func(i, j int) bool {
		if records[i].Status != records[j].Status {
			return records[i].Status == presence.StatusOnline
		}
		return records[i].AgentID < records[j].AgentID
	})

	out := make([]PresenceResponse, len(records))
	for i, rec := range records {
		out[i] = presenceResponse(rec)
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"agents": out,
		"online": h.tracker.OnlineCount(),
	})
}

func presenceResponse(rec presence.Record) PresenceResponse {
	return PresenceResponse{
		AgentID:  rec.AgentID,
		Status:   string(rec.Status),
		LastSeen: rec.LastSeen.UTC().Format(time.RFC3339),
	}
}
