// README: Ledger and payout handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/ledger"
	"souk/internal/types"
)

type LedgerHandler struct {
	ledger *ledger.Service
}

func NewLedgerHandler(svc *ledger.Service) *LedgerHandler {
	return &LedgerHandler{ledger: svc}
}

func (h *LedgerHandler) EntriesForOrder(c *gin.Context) {
	entries, err := h.ledger.EntriesForOrder(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	var sum int64
	for _, e := range entries {
		sum += e.Amount
		out = append(out, gin.H{
			"entry_type":   e.Type,
			"account_type": e.AccountType,
			"account_id":   e.AccountID,
			"amount":       e.Amount,
			"currency":     e.Currency,
			"created_at":   e.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": c.Param("id"), "entries": out, "sum": sum})
}

func (h *LedgerHandler) Balance(c *gin.Context) {
	acct := ledger.AccountType(c.Param("type"))
	balance, err := h.ledger.Balance(c.Request.Context(), acct, types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"account_type": acct,
		"account_id":   c.Param("id"),
		"balance":      balance,
	})
}

type payoutReq struct {
	AccountType string `json:"account_type" binding:"required"`
	AccountID   string `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Method      string `json:"method" binding:"required"`
}

func (h *LedgerHandler) RequestPayout(c *gin.Context) {
	var req payoutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.ledger.RequestPayout(c.Request.Context(),
		ledger.AccountType(req.AccountType), types.ID(req.AccountID), req.Amount, req.Method)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"payout_id": id, "status": ledger.PayoutRequested})
}

func (h *LedgerHandler) ApprovePayout(c *gin.Context) {
	if err := h.ledger.ApprovePayout(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ledger.PayoutApproved})
}

type payoutPaidReq struct {
	Reference string `json:"reference" binding:"required"`
}

func (h *LedgerHandler) MarkPayoutPaid(c *gin.Context) {
	var req payoutPaidReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.ledger.MarkPayoutPaid(c.Request.Context(), types.ID(c.Param("id")), req.Reference); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ledger.PayoutPaid})
}

func (h *LedgerHandler) RejectPayout(c *gin.Context) {
	if err := h.ledger.RejectPayout(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ledger.PayoutRejected})
}
