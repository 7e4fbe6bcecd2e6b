package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agenthub-protocol/agenthub/internal/hub"
	"github.com/agenthub-protocol/agenthub/internal/models"
	"github.com/agenthub-protocol/agenthub/internal/store"
)

const maxContentBytes = 32 * 1024

// SendRequest represents the send request body.
type SendRequest struct {
	SenderID    string             `json:"sender_id"`
	Destination models.Destination `json:"destination"`
	Content     string             `json:"content"`
	Format      models.Format      `json:"format,omitempty"`
}

// SendResponse represents the send response.
type SendResponse struct {
	MessageID     string    `json:"message_id"`
	DeliveryState string    `json:"delivery_state"`
	CreatedAt     time.Time `json:"created_at"`
}

// Send handles message submission for both channels and direct messages.
// The caller always gets a definitive delivered or stored_only outcome.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !agentIDRegex.MatchString(req.SenderID) {
		h.Error(w, http.StatusBadRequest, "sender_id is required")
		return
	}
	if req.Content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxContentBytes {
		h.Error(w, http.StatusUnprocessableEntity, "content too long (max 32768 bytes)")
		return
	}
	if req.Format != "" && !models.ValidFormat(req.Format) {
		h.Error(w, http.StatusBadRequest, "format must be text, markdown, or structured")
		return
	}

	draft := &models.Message{
		SenderID:    req.SenderID,
		Destination: req.Destination,
		Content:     req.Content,
		Format:      req.Format,
	}

	msg, err := h.router.Route(r.Context(), draft)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrMalformedDestination):
			h.Error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrStorageUnavailable):
			h.Error(w, http.StatusServiceUnavailable, "storage unavailable, message not accepted")
		default:
			h.Error(w, http.StatusInternalServerError, "routing failed")
		}
		return
	}

	h.JSON(w, http.StatusCreated, SendResponse{
		MessageID:     msg.ID,
		DeliveryState: string(msg.DeliveryState),
		CreatedAt:     msg.CreatedAt,
	})
}
