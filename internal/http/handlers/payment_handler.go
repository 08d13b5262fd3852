// README: Payment webhook handlers. The PSP calls these; both are safe to
// retry with the same reference.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/order"
	"souk/internal/types"
)

type PaymentHandler struct {
	order *order.Service
}

func NewPaymentHandler(svc *order.Service) *PaymentHandler {
	return &PaymentHandler{order: svc}
}

type paymentConfirmedReq struct {
	OrderID    string `json:"order_id" binding:"required"`
	PaymentRef string `json:"payment_ref" binding:"required"`
}

func (h *PaymentHandler) Confirmed(c *gin.Context) {
	var req paymentConfirmedReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.order.MarkPaid(c.Request.Context(), types.ID(req.OrderID), req.PaymentRef); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusPaid})
}

type refundReq struct {
	OrderID   string `json:"order_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	ActorType string `json:"actor_type" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
	Reason    string `json:"reason"`
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req refundReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.order.Refund(c.Request.Context(),
		types.ID(req.OrderID), req.Amount,
		order.UserActor(order.ActorType(req.ActorType), types.ID(req.ActorID)),
		req.Reason)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusRefunded})
}
