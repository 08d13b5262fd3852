// README: Rider-facing handlers: shift availability, offer responses,
// delivery lifecycle moves, and location pings.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/delivery"
	"souk/internal/modules/dispatch"
	"souk/internal/types"
)

type RiderHandler struct {
	dispatch *dispatch.Service
	delivery *delivery.Service
	riders   *dispatch.RiderStore
}

func NewRiderHandler(dsp *dispatch.Service, dlv *delivery.Service, riders *dispatch.RiderStore) *RiderHandler {
	return &RiderHandler{dispatch: dsp, delivery: dlv, riders: riders}
}

type availabilityReq struct {
	RiderID   string  `json:"rider_id" binding:"required"`
	Available *bool   `json:"available" binding:"required"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

func (h *RiderHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.riders.SetAvailability(c.Request.Context(),
		types.ID(req.RiderID), *req.Available, types.Point{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rider_id": req.RiderID, "available": *req.Available})
}

type respondReq struct {
	RiderID string `json:"rider_id" binding:"required"`
	Accept  *bool  `json:"accept" binding:"required"`
}

func (h *RiderHandler) Respond(c *gin.Context) {
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.dispatch.Respond(c.Request.Context(),
		types.ID(c.Param("id")), types.ID(req.RiderID), *req.Accept)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	result := "declined"
	if *req.Accept {
		result = "accepted"
	}
	writeJSON(c, http.StatusOK, gin.H{"assignment_id": c.Param("id"), "result": result})
}

type deliveryStatusReq struct {
	ActorType string `json:"actor_type" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

func (h *RiderHandler) UpdateDeliveryStatus(c *gin.Context) {
	var req deliveryStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.delivery.UpdateStatus(c.Request.Context(), delivery.UpdateCommand{
		DeliveryID: types.ID(c.Param("id")),
		Actor:      delivery.Actor(req.ActorType),
		ActorID:    types.ID(req.ActorID),
		To:         delivery.Status(req.Status),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"delivery_id": c.Param("id"), "status": req.Status})
}

type locationReq struct {
	RiderID string  `json:"rider_id" binding:"required"`
	Lat     float64 `json:"lat" binding:"required"`
	Lng     float64 `json:"lng" binding:"required"`
}

func (h *RiderHandler) RecordLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.delivery.RecordLocation(c.Request.Context(), delivery.LocationCommand{
		DeliveryID: types.ID(c.Param("id")),
		RiderID:    types.ID(req.RiderID),
		Position:   types.Point{Lat: req.Lat, Lng: req.Lng},
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RiderHandler) Track(c *gin.Context) {
	pings, err := h.delivery.Track(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(pings))
	for _, p := range pings {
		out = append(out, gin.H{
			"lat":         p.Position.Lat,
			"lng":         p.Position.Lng,
			"recorded_at": p.RecordedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"delivery_id": c.Param("id"), "pings": out})
}

// ListDeliveries reports jobs by state, oldest first. Operators call it
// with status=unassigned to find deliveries that exhausted matching.
func (h *RiderHandler) ListDeliveries(c *gin.Context) {
	status := delivery.Status(c.DefaultQuery("status", "unassigned"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid limit")
		return
	}
	ds, err := h.delivery.List(c.Request.Context(), status, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(ds))
	for _, d := range ds {
		out = append(out, gin.H{
			"delivery_id": d.ID,
			"order_id":    d.OrderID,
			"rider_id":    d.RiderID,
			"status":      d.Status,
			"fee":         d.Fee,
			"attempts":    d.Attempts,
			"retry_at":    d.RetryAt,
			"created_at":  d.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"deliveries": out})
}

func (h *RiderHandler) GetDelivery(c *gin.Context) {
	d, err := h.delivery.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"delivery_id": d.ID,
		"order_id":    d.OrderID,
		"rider_id":    d.RiderID,
		"status":      d.Status,
		"fee":         d.Fee,
		"attempts":    d.Attempts,
	})
}
