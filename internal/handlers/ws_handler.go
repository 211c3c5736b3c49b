package handlers

import (
	"context"
	"log/slog"
	"strings"

	"consult-system/internal/realtime"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type WSHandler struct {
	router *realtime.Router
	base   context.Context
	buffer int
}

// NewWSHandler serves websocket upgrades. Sockets live until base is
// cancelled or the peer disconnects.
func NewWSHandler(base context.Context, router *realtime.Router, buffer int) *WSHandler {
	return &WSHandler{router: router, base: base, buffer: buffer}
}

// Connect authenticates with the PocketBase auth token, from the
// Authorization header or the token query parameter, and upgrades.
func (h *WSHandler) Connect(e *core.RequestEvent) error {
	auth := e.Auth
	if auth == nil {
		token := strings.TrimSpace(e.Request.URL.Query().Get("token"))
		if token == "" {
			return apis.NewUnauthorizedError("Unauthorized", nil)
		}
		record, err := e.App.FindAuthRecordByToken(token, core.TokenTypeAuth)
		if err != nil {
			return apis.NewUnauthorizedError("Invalid token", nil)
		}
		auth = record
	}

	socket, err := realtime.Upgrade(e.Response, e.Request, h.buffer)
	if err != nil {
		slog.Warn("websocket upgrade", "user", auth.Id, "error", err)
		return nil
	}

	socket.Serve(h.base, h.router, auth.Id, auth.IsSuperuser())
	return nil
}
