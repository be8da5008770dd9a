package handlers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/sse"
)

// SSEHandler owns the live client registry. One stream per user; a
// reconnect replaces the previous stream.
type SSEHandler struct {
	log     *logger.Logger
	hub     *sse.Hub
	explain services.ExplainService

	mu      sync.RWMutex
	clients map[uuid.UUID]*sse.Client // key: UserID
}

func NewSSEHandler(log *logger.Logger, hub *sse.Hub, explain services.ExplainService) *SSEHandler {
	return &SSEHandler{
		log:     log,
		hub:     hub,
		explain: explain,
		clients: make(map[uuid.UUID]*sse.Client),
	}
}

// Stream serves GET /sse/stream. The stream starts subscribed to the
// caller's user channel; session channels are added via Subscribe.
func (h *SSEHandler) Stream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	h.mu.Lock()
	if existing, exists := h.clients[userID]; exists {
		h.hub.CloseClient(existing)
		delete(h.clients, userID)
	}
	client := h.hub.NewClient(userID)
	h.clients[userID] = client
	h.mu.Unlock()

	h.hub.AddChannel(client, sse.UserChannel(userID))
	h.log.Debug("SSE stream open", "user_id", userID, "client_id", client.ID)

	metrics.IncSSEClients()
	h.hub.ServeHTTP(c.Writer, c.Request, client)
	metrics.DecSSEClients()

	h.mu.Lock()
	if h.clients[userID] == client {
		delete(h.clients, userID)
	}
	h.mu.Unlock()
	h.hub.CloseClient(client)
}

// Subscribe serves POST /sse/subscribe. Only window-session channels can
// be added, and only for sessions the caller owns.
func (h *SSEHandler) Subscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req struct {
		Channel string `json:"channel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Channel == "" {
		RespondValidation(c, "channel", "channel is required")
		return
	}

	sessionID, ok := parseSessionChannel(req.Channel)
	if !ok {
		RespondValidation(c, "channel", "channel must be session:<uuid>")
		return
	}
	if _, err := h.explain.GetSession(c.Request.Context(), userID, sessionID); err != nil {
		RespondError(c, err)
		return
	}

	h.mu.RLock()
	client, exists := h.clients[userID]
	h.mu.RUnlock()
	if !exists {
		c.JSON(http.StatusConflict, ErrorEnvelope{
			Error: APIError{Code: apiCodeNoStream, Message: "no active SSE stream"},
		})
		return
	}

	h.hub.AddChannel(client, req.Channel)
	RespondOK(c, gin.H{"subscribed": req.Channel})
}

// Unsubscribe serves POST /sse/unsubscribe.
func (h *SSEHandler) Unsubscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req struct {
		Channel string `json:"channel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Channel == "" {
		RespondValidation(c, "channel", "channel is required")
		return
	}

	h.mu.RLock()
	client, exists := h.clients[userID]
	h.mu.RUnlock()
	if !exists {
		c.JSON(http.StatusConflict, ErrorEnvelope{
			Error: APIError{Code: apiCodeNoStream, Message: "no active SSE stream"},
		})
		return
	}

	h.hub.RemoveChannel(client, req.Channel)
	RespondOK(c, gin.H{"unsubscribed": req.Channel})
}

const apiCodeNoStream = "NO_ACTIVE_STREAM"

func parseSessionChannel(channel string) (uuid.UUID, bool) {
	raw, found := strings.CutPrefix(channel, "session:")
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
