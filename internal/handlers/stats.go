package handlers

import (
	"fmt"
	"net/http"
	"time"
)

// StatsResponse is the read-only counter payload polled by the external
// observability collaborator. Rendering is the collaborator's problem.
type StatsResponse struct {
	TotalMessages    int64  `json:"total_messages"`
	TotalChannels    int64  `json:"total_channels"`
	AgentsOnline     int    `json:"agents_online"`
	MessagesAppended int64  `json:"messages_appended"`
	PushesSucceeded  int64  `json:"pushes_succeeded"`
	PushesFailed     int64  `json:"pushes_failed"`
	LastActivity     string `json:"last_activity"`
}

// Stats returns hub counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalMessages, err := h.store.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	totalChannels, err := h.store.CountChannels(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count channels")
		return
	}

	lastActivityTime, err := h.store.LastActivity(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastActivityTime != nil {
		lastActivity = formatTimeAgo(*lastActivityTime)
	}

	counters := h.router.Counters()

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalMessages:    totalMessages,
		TotalChannels:    totalChannels,
		AgentsOnline:     h.tracker.OnlineCount(),
		MessagesAppended: counters.MessagesAppended,
		PushesSucceeded:  counters.PushesSucceeded,
		PushesFailed:     counters.PushesFailed,
		LastActivity:     lastActivity,
	})
}

// formatTimeAgo formats a timestamp as a human-readable relative time.
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
