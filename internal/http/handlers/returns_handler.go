// README: Cancellation and return request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/order"
	"souk/internal/modules/returns"
	"souk/internal/types"
)

type ReturnsHandler struct {
	returns *returns.Service
}

func NewReturnsHandler(svc *returns.Service) *ReturnsHandler {
	return &ReturnsHandler{returns: svc}
}

type submitRequestReq struct {
	OrderID string `json:"order_id" binding:"required"`
	Kind    string `json:"kind" binding:"required"`
	BuyerID string `json:"buyer_id" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *ReturnsHandler) Submit(c *gin.Context) {
	var req submitRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.returns.Submit(c.Request.Context(), returns.SubmitCommand{
		OrderID:     types.ID(req.OrderID),
		Kind:        returns.Kind(req.Kind),
		RequestedBy: types.ID(req.BuyerID),
		Reason:      req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"request_id": id, "status": returns.StatusRequested})
}

type reviewRequestReq struct {
	ActorType string `json:"actor_type" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
}

func (h *ReturnsHandler) Approve(c *gin.Context) {
	var req reviewRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor := order.UserActor(order.ActorType(req.ActorType), types.ID(req.ActorID))
	if err := h.returns.Approve(c.Request.Context(), types.ID(c.Param("id")), actor); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": returns.StatusApproved})
}

func (h *ReturnsHandler) Reject(c *gin.Context) {
	var req reviewRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor := order.UserActor(order.ActorType(req.ActorType), types.ID(req.ActorID))
	if err := h.returns.Reject(c.Request.Context(), types.ID(c.Param("id")), actor); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": returns.StatusRejected})
}

type withdrawReq struct {
	BuyerID string `json:"buyer_id" binding:"required"`
}

func (h *ReturnsHandler) Withdraw(c *gin.Context) {
	var req withdrawReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.returns.Withdraw(c.Request.Context(), types.ID(c.Param("id")), types.ID(req.BuyerID)); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": returns.StatusWithdrawn})
}

func (h *ReturnsHandler) MarkInTransit(c *gin.Context) {
	if err := h.returns.MarkInTransit(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": returns.StatusInTransit})
}

func (h *ReturnsHandler) MarkReceived(c *gin.Context) {
	if err := h.returns.MarkReceived(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": returns.StatusReceived})
}

type completeRefundReq struct {
	Amount    int64  `json:"amount"`
	ActorType string `json:"actor_type" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
}

func (h *ReturnsHandler) CompleteRefund(c *gin.Context) {
	var req completeRefundReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor := order.UserActor(order.ActorType(req.ActorType), types.ID(req.ActorID))
	if err := h.returns.CompleteRefund(c.Request.Context(), types.ID(c.Param("id")), req.Amount, actor); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": returns.StatusRefunded})
}

func (h *ReturnsHandler) ForOrder(c *gin.Context) {
	reqs, err := h.returns.ForOrder(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, gin.H{
			"request_id":    r.ID,
			"kind":          r.Kind,
			"status":        r.Status,
			"reason":        r.Reason,
			"refund_amount": r.RefundAmount,
			"created_at":    r.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": c.Param("id"), "requests": out})
}
