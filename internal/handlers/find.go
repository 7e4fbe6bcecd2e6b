package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/agenthub-protocol/agenthub/internal/models"
)

// FindResponse represents the search response.
type FindResponse struct {
	Query    string           `json:"query"`
	Messages []models.Message `json:"messages"`
}

// Find handles message content search across channel history. Direct
// messages are never searched.
func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.Error(w, http.StatusBadRequest, "q is required")
		return
	}
	if len(query) > 200 {
		h.Error(w, http.StatusBadRequest, "q too long (max 200 characters)")
		return
	}

	channel := r.URL.Query().Get("channel")

	limit := 25
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 100 {
		limit = 100
	}

	messages, err := h.store.Find(r.Context(), query, channel, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, FindResponse{
		Query:    query,
		Messages: messages,
	})
}
