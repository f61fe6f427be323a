package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/codebox-ai/codebox/internal/errdefs"
)

// authMiddleware enforces the bearer token on every endpoint using a
// timing-safe comparison.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthDisabled {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithKind(c, errdefs.KindAuthRequired, "authorization required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			abortWithKind(c, errdefs.KindAuthInvalid, "authorization scheme must be Bearer")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			abortWithKind(c, errdefs.KindAuthInvalid, "invalid token")
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	if s.cfg.RateLimitRPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"kind": "InvalidRequest", "message": "rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.requests.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
		if path == "/execute" {
			s.metrics.execDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// abortWithKind writes the wire error form for a taxonomy kind.
func abortWithKind(c *gin.Context, kind errdefs.Kind, message string) {
	c.AbortWithStatusJSON(statusOf(kind), gin.H{
		"error": gin.H{"kind": string(kind), "message": message},
	})
}

func abortWithErr(c *gin.Context, err error) {
	kind := errdefs.KindOf(err)
	message := err.Error()
	var typed *errdefs.Error
	if e, ok := err.(*errdefs.Error); ok {
		typed = e
	}
	if typed != nil {
		message = typed.Message
		if typed.Err != nil {
			message += ": " + typed.Err.Error()
		}
	}
	c.AbortWithStatusJSON(statusOf(kind), gin.H{
		"error": gin.H{"kind": string(kind), "message": message},
	})
}

// statusOf maps taxonomy kinds to HTTP statuses.
func statusOf(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindAuthRequired, errdefs.KindAuthInvalid:
		return http.StatusUnauthorized
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindDuplicateSkill, errdefs.KindDuplicateTool, errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindInvalidRequest, errdefs.KindInvalidDepSpec, errdefs.KindSchemaError,
		errdefs.KindArgumentType, errdefs.KindMissingArgument, errdefs.KindUnknownArgument,
		errdefs.KindSyntax:
		return http.StatusUnprocessableEntity
	case errdefs.KindRuntimeDepsDisabled:
		return http.StatusForbidden
	case errdefs.KindTimeout, errdefs.KindToolTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
