// README: Location handler; helpers publish their position for ETA estimates.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadassist/internal/http/middleware"
	"roadassist/internal/modules/location"
	"roadassist/internal/types"
)

type LocationHandler struct {
	location *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{location: svc}
}

// Update stores the caller's own position; nobody can move another user.
func (h *LocationHandler) Update(c *gin.Context) {
	var req pointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.location.Update(c.Request.Context(), location.Update{
		UserID:   types.ID(middleware.CallerUID(c)),
		Position: req.point(),
	})
	if errors.Is(err, location.ErrInvalidPosition) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}
