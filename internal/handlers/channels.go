package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ChannelInfo represents a channel in the list response.
type ChannelInfo struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
	LastActive   string `json:"last_active"`
}

// ChannelListResponse represents the channels list response.
type ChannelListResponse struct {
	Channels []ChannelInfo `json:"channels"`
	Total    int           `json:"total"`
}

// ListChannels handles listing channels.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	channels, total, err := h.store.ListChannels(r.Context(), limit, offset)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	infos := make([]ChannelInfo, len(channels))
	for i, ch := range channels {
		infos[i] = ChannelInfo{
			Name:         ch.Name,
			MessageCount: ch.MessageCount,
			LastActive:   ch.LastActiveAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	h.JSON(w, http.StatusOK, ChannelListResponse{
		Channels: infos,
		Total:    total,
	})
}

// ProvisionChannelRequest represents the channel provisioning request.
type ProvisionChannelRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// ProvisionChannelResponse represents the channel provisioning response.
type ProvisionChannelResponse struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ProvisionChannel handles explicit channel creation. Idempotent: repeat
// calls merge membership and never regress it. When a registry collaborator
// is configured, the membership list is validated against it first.
func (h *Handler) ProvisionChannel(w http.ResponseWriter, r *http.Request) {
	var req ProvisionChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if !channelNameRegex.MatchString(req.Name) {
		h.Error(w, http.StatusBadRequest, "name must be 1-50 characters, alphanumeric with hyphens and underscores only")
		return
	}
	for _, member := range req.Members {
		if !agentIDRegex.MatchString(member) {
			h.Error(w, http.StatusBadRequest, fmt.Sprintf("invalid member identifier %q", member))
			return
		}
	}

	if h.registry != nil && len(req.Members) > 0 {
		unknown, err := h.registry.ValidateMembers(r.Context(), req.Members)
		if err != nil {
			h.Error(w, http.StatusBadGateway, "registry validation failed")
			return
		}
		if len(unknown) > 0 {
			h.Error(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("registry does not recognize: %s", strings.Join(unknown, ", ")))
			return
		}
	}

	ch, err := h.store.UpsertChannel(r.Context(), req.Name, req.Members)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "failed to provision channel")
		return
	}

	members := ch.Members
	if members == nil {
		members = []string{}
	}
	h.JSON(w, http.StatusCreated, ProvisionChannelResponse{
		Name:    ch.Name,
		Members: members,
	})
}

// GetChannel handles fetching a single channel with its membership.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ch, err := h.store.GetChannel(r.Context(), name)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if ch == nil {
		h.Error(w, http.StatusNotFound, "channel not found")
		return
	}

	if ch.Members == nil {
		ch.Members = []string{}
	}
	h.JSON(w, http.StatusOK, ch)
}
