package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/namefreezers/serverless-weather-api/internal/retry"
	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

// statusFor maps a service error onto an HTTP status and a client message.
// Upstream details other than not-found and unauthorized are not leaked.
func statusFor(err error) (int, string) {
	var werr *types.Error
	errors.As(err, &werr)

	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		if werr != nil && werr.Message != "" {
			return http.StatusBadRequest, werr.Message
		}
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, types.ErrNotFound):
		if werr != nil && werr.City != "" {
			return http.StatusNotFound, fmt.Sprintf("City '%s' not found", werr.City)
		}
		return http.StatusNotFound, "City not found"
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized, "Invalid API key"
	case errors.Is(err, types.ErrProvider), errors.Is(err, types.ErrTransient), retry.IsExhausted(err):
		return http.StatusServiceUnavailable, "Weather service unavailable"
	default:
		return http.StatusInternalServerError, "Failed to fetch weather data"
	}
}

func writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}
