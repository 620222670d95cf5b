package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/compilebroker/internal/broker"
)

// compileStatus maps a RequestCompilation error to an HTTP status.
//
//   - 409 Conflict              → admission rejected, or request invalidated
//   - 422 Unprocessable Entity  → compiler bailout
//   - 202 Accepted              → waiter gave up, compile continues
//   - 503 Service Unavailable   → stopped, drained, code cache full, tier init failed
//   - 504 Gateway Timeout       → caller deadline
func compileStatus(err error) int {
	var (
		bo      *broker.Bailout
		initErr *broker.InitError
	)
	switch {
	case errors.Is(err, broker.ErrRejected), errors.Is(err, broker.ErrInvalidated):
		return http.StatusConflict
	case errors.As(err, &bo):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrWaitAbandoned) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled):
		return http.StatusAccepted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrStopped), errors.Is(err, broker.ErrDrained),
		errors.Is(err, broker.ErrResourceExhausted), errors.As(err, &initErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"message": err.Error()}
	if r := broker.Rejection(err); r != 0 {
		body["reason"] = r.String()
	}
	var bo *broker.Bailout
	if errors.As(err, &bo) {
		body["retry"] = bo.Retry.String()
	}
	return body
}

func fail(c *gin.Context, status int, err error) {
	c.Error(err)
	c.JSON(status, errorBody(err))
}
