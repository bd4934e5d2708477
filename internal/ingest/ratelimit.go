package ingest

import (
	"net/http"
	"strconv"
	"time"

	"comms-platform/pkg/logger"
	"comms-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimit returns a per-client-IP sliding-window limiter for the public
// webhook routes. A limiter outage fails open: dropping real provider
// webhooks is worse than briefly losing the limit.
func RateLimit(rdb *redis.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ratelimit:webhooks:" + c.ClientIP()
		res, err := utils.AllowSlidingWindow(c.Request.Context(), rdb, key, limit, window, time.Now(), uuid.NewString())
		if err != nil {
			logger.From(c.Request.Context()).Warn("rate limiter unavailable", "err", err)
			c.Next()
			return
		}
		if !res.Allowed {
			retryAfter := int(res.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter,
			})
			return
		}
		c.Next()
	}
}
