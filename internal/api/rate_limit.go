package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) withRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil {
			c.Next()
			return
		}

		route := routeLabel(c)
		subject := c.ClientIP() + ":" + route
		decision, err := s.rateLimiter.Allow(c.Request.Context(), subject)
		if err != nil {
			s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			c.Next()
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
			"kind":  "rate_limited",
		})
	}
}
