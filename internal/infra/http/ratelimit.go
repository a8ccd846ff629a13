package http

import (
	"net/http"
	"strconv"
	"time"

	"evidenceledger/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// rateLimit admits /v1 requests against the budget of their route class.
// Appends and admin calls are counted per X-Actor-ID when one is sent, reads
// and anonymous callers per client IP.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil {
			c.Next()
			return
		}
		class := requestClass(c)
		decision, err := s.rateLimiter.Allow(c.Request.Context(), class, rateLimitCaller(c, class))
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.String("class", string(class)), zap.Error(err))
			if s.rateLimitFailClosed {
				writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
				c.Abort()
				return
			}
			c.Next()
			return
		}
		if decision.Limit == 0 {
			c.Next()
			return
		}
		writeRateLimitHeaders(c, decision, s.now())
		if !decision.Allowed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func requestClass(c *gin.Context) domain.RequestClass {
	method := c.Request.Method
	path := c.FullPath()
	switch {
	case method == http.MethodGet || method == http.MethodHead:
		return domain.RequestClassRead
	case method == http.MethodPost && path == "/v1/keys/verify":
		return domain.RequestClassRead
	case method == http.MethodPost && path == "/v1/events":
		return domain.RequestClassAppend
	default:
		return domain.RequestClassAdmin
	}
}

func rateLimitCaller(c *gin.Context, class domain.RequestClass) string {
	if class != domain.RequestClassRead {
		if actor := actorID(c); actor != "" {
			return "actor:" + actor
		}
	}
	return "ip:" + c.ClientIP()
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision, now time.Time) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			c.Header("Retry-After", strconv.FormatInt(decision.RetryAfter(now), 10))
		}
	}
}
