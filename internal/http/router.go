// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/http/handlers"
	"souk/internal/http/middleware"
	"souk/internal/modules/delivery"
	"souk/internal/modules/dispatch"
	"souk/internal/modules/inventory"
	"souk/internal/modules/ledger"
	"souk/internal/modules/order"
	"souk/internal/modules/returns"
)

type RouterDeps struct {
	Order     *order.Service
	Returns   *returns.Service
	Delivery  *delivery.Service
	Dispatch  *dispatch.Service
	Riders    *dispatch.RiderStore
	Ledger    *ledger.Service
	Inventory *inventory.Service
	Logger    *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	orderHandler := handlers.NewOrderHandler(deps.Order)
	r.POST("/api/orders", orderHandler.Create)
	r.GET("/api/orders/:id", orderHandler.Get)
	r.GET("/api/orders/:id/history", orderHandler.History)
	r.POST("/api/orders/:id/cancel", orderHandler.Cancel)
	r.POST("/api/orders/:id/fulfill", orderHandler.MarkFulfilled)

	paymentHandler := handlers.NewPaymentHandler(deps.Order)
	r.POST("/api/payments/confirmed", paymentHandler.Confirmed)
	r.POST("/api/payments/refund", paymentHandler.Refund)

	returnsHandler := handlers.NewReturnsHandler(deps.Returns)
	r.POST("/api/requests", returnsHandler.Submit)
	r.GET("/api/orders/:id/requests", returnsHandler.ForOrder)
	r.POST("/api/requests/:id/approve", returnsHandler.Approve)
	r.POST("/api/requests/:id/reject", returnsHandler.Reject)
	r.POST("/api/requests/:id/withdraw", returnsHandler.Withdraw)
	r.POST("/api/requests/:id/in_transit", returnsHandler.MarkInTransit)
	r.POST("/api/requests/:id/received", returnsHandler.MarkReceived)
	r.POST("/api/requests/:id/refund", returnsHandler.CompleteRefund)

	riderHandler := handlers.NewRiderHandler(deps.Dispatch, deps.Delivery, deps.Riders)
	r.POST("/api/riders/availability", riderHandler.SetAvailability)
	r.POST("/api/offers/:id/respond", riderHandler.Respond)
	r.GET("/api/deliveries", riderHandler.ListDeliveries)
	r.GET("/api/deliveries/:id", riderHandler.GetDelivery)
	r.POST("/api/deliveries/:id/status", riderHandler.UpdateDeliveryStatus)
	r.POST("/api/deliveries/:id/location", riderHandler.RecordLocation)
	r.GET("/api/deliveries/:id/track", riderHandler.Track)

	ledgerHandler := handlers.NewLedgerHandler(deps.Ledger)
	r.GET("/api/orders/:id/ledger", ledgerHandler.EntriesForOrder)
	r.GET("/api/accounts/:type/:id/balance", ledgerHandler.Balance)
	r.POST("/api/payouts", ledgerHandler.RequestPayout)
	r.POST("/api/payouts/:id/approve", ledgerHandler.ApprovePayout)
	r.POST("/api/payouts/:id/paid", ledgerHandler.MarkPayoutPaid)
	r.POST("/api/payouts/:id/reject", ledgerHandler.RejectPayout)

	inventoryHandler := handlers.NewInventoryHandler(deps.Inventory)
	r.GET("/api/inventory/:id", inventoryHandler.Get)
	r.POST("/api/inventory/:id/adjust", inventoryHandler.Adjust)
	r.GET("/api/reports/low_stock", inventoryHandler.LowStock)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
