// README: Websocket handler streaming lifecycle events to the caller.
package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"roadassist/internal/http/middleware"
	"roadassist/internal/modules/notify"
	"roadassist/internal/types"
)

type StreamHandler struct {
	hub *notify.Hub
	log *slog.Logger
}

func NewStreamHandler(hub *notify.Hub, log *slog.Logger) *StreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StreamHandler{hub: hub, log: log}
}

// Stream blocks for the lifetime of the websocket connection.
func (h *StreamHandler) Stream(c *gin.Context) {
	uid := types.ID(middleware.CallerUID(c))
	if err := h.hub.ServeWS(c.Writer, c.Request, uid); err != nil {
		h.log.Debug("websocket upgrade failed", "user_id", uid, "err", err)
	}
}
