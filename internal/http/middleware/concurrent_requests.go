package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LimitConcurrent rejects requests with 429 while maxConcurrent requests are
// already being served by the wrapped handlers. Blocking compile calls hold
// their connection until the compile finishes, so the limit bounds how many
// HTTP goroutines can be parked on the broker.
func LimitConcurrent(maxConcurrent int) gin.HandlerFunc {
	sem := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "too many concurrent requests",
			})
		}
	}
}
