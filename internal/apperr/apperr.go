// Package apperr defines the error taxonomy shared by every state-changing
// operation and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigescrow/internal/logging"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidInput     = errors.New("invalid input")
	ErrGateway          = errors.New("gateway error")
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrConflict is returned by stores when a compare-and-swap guard
	// matched no row. Callers surface it as ErrInvalidState.
	ErrConflict = errors.New("conflict")
)

// GatewayError is a failed call to the payment platform. Code carries the
// provider's error code when one was returned.
type GatewayError struct {
	Op   string
	Code string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrGateway) match any GatewayError.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// Status maps an error onto an HTTP status and a stable error code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, ErrGateway):
		return http.StatusInternalServerError, "gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Respond writes the structured error body for err.
func Respond(c *gin.Context, err error) {
	status, code := Status(err)

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		logging.L(c.Request.Context()).Error("payment gateway call failed",
			"op", gwErr.Op,
			"provider_code", gwErr.Code,
			"error", gwErr.Err,
		)
	} else if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	}

	body := gin.H{"error": code}
	if status < http.StatusInternalServerError {
		body["details"] = err.Error()
	}
	c.JSON(status, body)
}

// BadRequest answers a malformed request body.
func BadRequest(c *gin.Context, details string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"details": details,
	})
}
