// README: Order handlers for checkout, lookup, cancel, and the transition
// history.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/order"
	"souk/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type orderLineReq struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
	UnitPrice int64  `json:"unit_price"`
}

type createOrderReq struct {
	BuyerID        string         `json:"buyer_id" binding:"required"`
	VendorID       string         `json:"vendor_id" binding:"required"`
	CommunityID    string         `json:"community_id"`
	Currency       string         `json:"currency"`
	Method         string         `json:"method" binding:"required"`
	Lines          []orderLineReq `json:"lines" binding:"required"`
	ShippingFee    int64          `json:"shipping_fee"`
	MemberDiscount bool           `json:"member_discount"`
	PickupLat      float64        `json:"pickup_lat"`
	PickupLng      float64        `json:"pickup_lng"`
	DropoffLat     float64        `json:"dropoff_lat"`
	DropoffLng     float64        `json:"dropoff_lng"`
	PickupAddress  string         `json:"pickup_address"`
	DropoffAddress string         `json:"dropoff_address"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	lines := make([]order.Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, order.Line{
			ProductID: types.ID(l.ProductID),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	id, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		BuyerID:        types.ID(req.BuyerID),
		VendorID:       types.ID(req.VendorID),
		CommunityID:    types.ID(req.CommunityID),
		Currency:       req.Currency,
		Method:         order.Method(req.Method),
		Lines:          lines,
		ShippingFee:    req.ShippingFee,
		MemberDiscount: req.MemberDiscount,
		Pickup:         types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		Dropoff:        types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"order_id": id, "status": order.StatusPending})
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, err := h.order.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"order_id":     o.ID,
		"status":       o.Status,
		"method":       o.Method,
		"subtotal":     o.Subtotal,
		"shipping_fee": o.ShippingFee,
		"total":        o.Total,
		"currency":     o.Currency,
	})
}

type cancelOrderReq struct {
	ActorType string `json:"actor_type" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
	Reason    string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req cancelOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: types.ID(c.Param("id")),
		Actor:   order.UserActor(order.ActorType(req.ActorType), types.ID(req.ActorID)),
		Reason:  req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusCanceled})
}

func (h *OrderHandler) History(c *gin.Context) {
	transitions, err := h.order.History(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, gin.H{
			"transition_id": t.ID,
			"from":          t.From,
			"to":            t.To,
			"actor":         t.Actor.Type,
			"automated":     t.Automated,
			"trigger":       t.Trigger,
			"created_at":    t.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": c.Param("id"), "transitions": out})
}

func (h *OrderHandler) MarkFulfilled(c *gin.Context) {
	var req cancelOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.order.MarkFulfilled(c.Request.Context(),
		types.ID(c.Param("id")),
		order.UserActor(order.ActorType(req.ActorType), types.ID(req.ActorID)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusFulfilled})
}
