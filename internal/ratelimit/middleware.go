package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader identifies a caller. Requests without it are limited by
// client IP.
const APIKeyHeader = "X-API-Key"

// KeyFunc derives the limiter key of a request.
type KeyFunc func(c *gin.Context) string

// ClientKey keys requests by API key, falling back to the client IP.
func ClientKey(c *gin.Context) string {
	if k := c.GetHeader(APIKeyHeader); k != "" {
		return "key:" + k
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429, a Retry-After
// header in whole seconds and a JSON error body.
func Middleware(l *Limiter, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientKey
	}
	return func(c *gin.Context) {
		if !l.Enabled() {
			c.Next()
			return
		}
		d, err := l.Allow(c.Request.Context(), key(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retry,
			})
			return
		}
		c.Next()
	}
}
