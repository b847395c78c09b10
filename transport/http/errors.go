package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/capsule/core"
)

// statusFor maps a service error onto an HTTP status and a client-safe message
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrTokenExpired):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, core.ErrTokenMalformed), errors.Is(err, core.ErrSignatureInvalid):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid username or password"
	case errors.Is(err, core.ErrAccountDisabled):
		return http.StatusForbidden, "account is disabled"
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests, "verification code requested too frequently, try again later"
	case errors.Is(err, core.ErrDailyLimitExceeded):
		return http.StatusTooManyRequests, "daily verification code limit reached"
	case errors.Is(err, core.ErrVerificationFailed):
		return http.StatusBadRequest, "invalid or expired verification code"
	case errors.Is(err, core.ErrWalletProofFailed):
		return http.StatusBadRequest, "wallet signature verification failed"
	case errors.Is(err, core.ErrWalletAlreadyBound):
		return http.StatusConflict, "wallet address is already bound"
	case errors.Is(err, core.ErrUserExists):
		return http.StatusConflict, "username or email already registered"
	case errors.Is(err, core.ErrWalletNotBound):
		return http.StatusNotFound, "no bound wallet"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// abortWithError records err on the context and writes the mapped response
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, msg := statusFor(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
