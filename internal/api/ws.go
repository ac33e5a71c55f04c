package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/open-dispatch/opendispatch/internal/auth"
	"github.com/open-dispatch/opendispatch/internal/websocket"
)

// WSHandler handles the WebSocket log relay endpoint
// GET /api/v1/jobs/{id}/logs/ws. Authentication uses a JWT passed as the
// `token` query parameter instead of the Authorization header — browsers
// cannot set custom headers on WebSocket connections opened via the native
// WebSocket API.
//
// Example connection URL:
//
//	ws://host/api/v1/jobs/018f.../logs/ws?token=<jwt>
type WSHandler struct {
	hub    *websocket.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwtMgr: jwtMgr,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/jobs/{id}/logs/ws.
// It authenticates the request, upgrades the connection, and subscribes the
// client to the single job:<id> topic derived from the URL path. The
// handler blocks until the connection closes — this is expected for
// WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// JWT is passed as a query parameter because the browser WebSocket API
	// does not support custom headers. The token has the same short TTL
	// (15 min) as Bearer tokens — clients must reconnect with a fresh token
	// after expiry.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		ErrBadRequest(w, "job id is required")
		return
	}
	topic := "job:" + jobID

	client, err := websocket.NewClient(h.hub, w, r, topic, h.logger)
	if err != nil {
		// The upgrader has already written the HTTP error response; only
		// log the failure here.
		h.logger.Warn("ws: upgrade failed",
			zap.String("operator_id", claims.OperatorID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("operator_id", claims.OperatorID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("topic", topic),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("operator_id", claims.OperatorID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}
