// README: Payment handler; the payment collaborator reports captured payments here.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"roadassist/internal/modules/payment"
)

type PaymentHandler struct {
	payments *payment.Service
}

func NewPaymentHandler(svc *payment.Service) *PaymentHandler {
	return &PaymentHandler{payments: svc}
}

type markPaidReq struct {
	Method string `json:"method"`
}

func (h *PaymentHandler) MarkPaid(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req markPaidReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := h.payments.MarkPaid(c.Request.Context(), payment.MarkPaidCommand{RequestID: id, Method: req.Method})
	if err != nil {
		writePaymentError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
