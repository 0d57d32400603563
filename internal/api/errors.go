package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"settlement-core/internal/order"
)

var errorTable = []struct {
	kind   error
	status int
	code   string
}{
	{order.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{order.ErrUnauthorized, http.StatusForbidden, "FORBIDDEN"},
	{order.ErrInsufficientFunds, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
	{order.ErrInsufficientPosition, http.StatusBadRequest, "INSUFFICIENT_POSITION"},
	{order.ErrInvalidArgument, http.StatusBadRequest, "INVALID_REQUEST"},
	{order.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{order.ErrMarketDataUnavailable, http.StatusServiceUnavailable, "MARKET_DATA_UNAVAILABLE"},
	{order.ErrExternalServiceError, http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR"},
}

// statusFor maps the error taxonomy onto an HTTP status and response code.
func statusFor(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.kind) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// fail classifies err and writes it; unclassified errors are logged and hidden.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		respondError(c, status, code, "internal server error")
		return
	}
	respondError(c, status, code, err.Error())
}
