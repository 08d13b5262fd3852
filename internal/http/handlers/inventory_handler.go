// README: Vendor-facing inventory handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/inventory"
	"souk/internal/types"
)

type InventoryHandler struct {
	inventory *inventory.Service
}

func NewInventoryHandler(svc *inventory.Service) *InventoryHandler {
	return &InventoryHandler{inventory: svc}
}

func (h *InventoryHandler) Get(c *gin.Context) {
	rec, err := h.inventory.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"product_id": rec.ProductID,
		"stock":      rec.Stock,
		"reserved":   rec.Reserved,
		"available":  rec.Available(),
		"tracked":    rec.Tracked,
		"low_stock":  rec.LowStock(),
	})
}

type adjustReq struct {
	Delta int64 `json:"delta" binding:"required"`
}

func (h *InventoryHandler) Adjust(c *gin.Context) {
	var req adjustReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.inventory.Adjust(c.Request.Context(), types.ID(c.Param("id")), req.Delta); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"product_id": c.Param("id")})
}

func (h *InventoryHandler) LowStock(c *gin.Context) {
	records, err := h.inventory.LowStock(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"product_id": r.ProductID,
			"available":  r.Available(),
			"threshold":  r.LowStockThreshold,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"products": out})
}
