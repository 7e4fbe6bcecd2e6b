package handlers

import (
	"net/http"
	"strconv"

	"github.com/agenthub-protocol/agenthub/internal/models"
)

// HistoryResponse represents the history query response.
type HistoryResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// History handles history queries for a channel or a DM pair. The selector
// is either ?channel=name or ?agent_a=x&agent_b=y; messages come back in
// ascending (created_at, id) order, restartable with ?since=<message id>.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	agentA := q.Get("agent_a")
	agentB := q.Get("agent_b")
	since := q.Get("since")

	limit := 50
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 200 {
		limit = 200
	}

	var (
		messages []models.Message
		err      error
	)
	switch {
	case channel != "" && agentA == "" && agentB == "":
		// +1 for has_more check
		messages, err = h.store.ChannelHistory(r.Context(), channel, since, limit+1)
	case channel == "" && agentA != "" && agentB != "":
		messages, err = h.store.DirectHistory(r.Context(), agentA, agentB, since, limit+1)
	default:
		h.Error(w, http.StatusBadRequest, "selector must be channel or the pair agent_a, agent_b")
		return
	}
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, HistoryResponse{
		Messages: messages,
		HasMore:  hasMore,
	})
}
