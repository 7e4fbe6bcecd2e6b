package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/agenthub-protocol/agenthub/internal/hub"
	"github.com/agenthub-protocol/agenthub/internal/presence"
	"github.com/agenthub-protocol/agenthub/internal/registry"
	"github.com/agenthub-protocol/agenthub/internal/store"
)

// Channel name validation: alphanumeric, hyphens, underscores, 1-50 chars
var channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// Agent identifier validation: printable, no whitespace, 1-128 chars
var agentIDRegex = regexp.MustCompile(`^[^\s]{1,128}$`)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.MessageStore
	router   *hub.Router
	tracker  *presence.Tracker
	registry *registry.Client // nil when no registry collaborator is configured
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(st store.MessageStore, router *hub.Router, tracker *presence.Tracker, reg *registry.Client) *Handler {
	return &Handler{store: st, router: router, tracker: tracker, registry: reg}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
