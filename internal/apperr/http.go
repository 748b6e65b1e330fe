package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StatusCode maps an error kind to an HTTP status.
func StatusCode(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInsufficientBalance, KindExceedsCapacity, KindWalletFrozen:
		return http.StatusUnprocessableEntity
	case KindInvalidState:
		return http.StatusConflict
	case KindVerificationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as the standard JSON error body. Internal errors are
// not echoed to the client.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindInternal {
		msg = "An unexpected error occurred"
		_ = c.Error(err)
	}
	c.JSON(StatusCode(kind), gin.H{
		"error":   string(kind),
		"message": msg,
	})
}
