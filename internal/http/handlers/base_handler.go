// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"roadassist/internal/modules/payment"
	"roadassist/internal/modules/request"
	"roadassist/internal/types"
)

type errorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code,omitempty"`
	RequestID types.ID `json:"request_id,omitempty"`
}

// isValidID ensures IDs are alphanumeric and at most 128 chars. Request ids
// are 32 hex chars; user ids come from the identity provider.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeCodedError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

func writeRequestError(c *gin.Context, err error) {
	var conflict *request.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(c, http.StatusConflict, errorResponse{
			Error:     "requester already has an open request",
			Code:      "open_request_exists",
			RequestID: conflict.ExistingID,
		})
	case errors.Is(err, request.ErrPhoneVerificationRequired):
		writeCodedError(c, http.StatusForbidden, "phone_verification_required", err.Error())
	case errors.Is(err, request.ErrValidation), errors.Is(err, request.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, request.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, request.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, request.ErrOpenRequest):
		writeCodedError(c, http.StatusConflict, "open_request_exists", err.Error())
	case errors.Is(err, request.ErrInvalidState):
		writeCodedError(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, request.ErrDuplicateOffer):
		writeCodedError(c, http.StatusConflict, "duplicate_offer", err.Error())
	case errors.Is(err, request.ErrNotOffered):
		writeCodedError(c, http.StatusConflict, "not_offered", err.Error())
	case errors.Is(err, request.ErrConcurrentUpdate):
		writeCodedError(c, http.StatusConflict, "concurrent_update", err.Error())
	default:
		slog.Error("request handler failed", "path", c.FullPath(), "err", err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writePaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, payment.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrInvalidState):
		writeCodedError(c, http.StatusConflict, "invalid_state", err.Error())
	default:
		writeRequestError(c, err)
	}
}

// pathID reads and validates a path parameter, writing a 400 when it is bad.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}
