// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"souk/internal/modules/delivery"
	"souk/internal/modules/dispatch"
	"souk/internal/modules/inventory"
	"souk/internal/modules/ledger"
	"souk/internal/modules/order"
	"souk/internal/modules/returns"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module sentinel errors onto HTTP statuses. Anything
// unmapped is a 500 with the detail kept out of the response.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest),
		errors.Is(err, delivery.ErrInvalidStatus),
		errors.Is(err, returns.ErrNotEligible),
		errors.Is(err, ledger.ErrBadPayoutAmount),
		errors.Is(err, inventory.ErrBadQuantity):
		writeError(c, http.StatusBadRequest, err.Error())

	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, delivery.ErrNotFound),
		errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, returns.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, inventory.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())

	case errors.Is(err, delivery.ErrNotYourDelivery),
		errors.Is(err, dispatch.ErrNotYourOffer),
		errors.Is(err, returns.ErrNotYourRequest):
		writeError(c, http.StatusForbidden, err.Error())

	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrNotDelivered),
		errors.Is(err, order.ErrDeliveryInProgress),
		errors.Is(err, delivery.ErrInvalidTransition),
		errors.Is(err, delivery.ErrConflict),
		errors.Is(err, delivery.ErrNotInTransit),
		errors.Is(err, dispatch.ErrOfferExpired),
		errors.Is(err, dispatch.ErrOfferClaimed),
		errors.Is(err, returns.ErrInvalidTransition),
		errors.Is(err, returns.ErrDuplicateRequest),
		errors.Is(err, returns.ErrConflict),
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrOverBalance),
		errors.Is(err, inventory.ErrInsufficientStock):
		writeError(c, http.StatusConflict, err.Error())

	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
