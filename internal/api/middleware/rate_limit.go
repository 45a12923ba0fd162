package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/open-apime/disparador/internal/pkg/ratelimiter"
	"github.com/open-apime/disparador/internal/pkg/response"
)

// RateLimitOption parametriza o limite por token de acesso.
type RateLimitOption struct {
	Enabled  bool
	Requests int
	Window   time.Duration
	Prefix   string
	Limiter  ratelimiter.Limiter
	Logger   *zap.Logger
}

// IPRateLimitOption parametriza o limite por IP das rotas públicas.
type IPRateLimitOption struct {
	Enabled        bool
	Requests       int
	Window         time.Duration
	SkipPrivateIPs bool
	Limiter        ratelimiter.Limiter
	Logger         *zap.Logger
}

func passThrough(c *gin.Context) { c.Next() }

// RateLimit conta requisições por token; chamadas sem token passam.
func RateLimit(opts RateLimitOption) gin.HandlerFunc {
	if !opts.Enabled || opts.Limiter == nil || opts.Requests <= 0 || opts.Window <= 0 {
		return passThrough
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "api"
	}

	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Next()
			return
		}
		key := prefix + ":" + digest(token)
		limit(c, opts.Limiter, opts.Logger, key, opts.Requests, opts.Window, "limite de requisições excedido")
	}
}

func IPRateLimit(opts IPRateLimitOption) gin.HandlerFunc {
	if !opts.Enabled || opts.Limiter == nil || opts.Requests <= 0 || opts.Window <= 0 {
		return passThrough
	}

	return func(c *gin.Context) {
		ip := GetClientIP(c)
		if opts.SkipPrivateIPs && IsPrivateIP(ip) {
			c.Next()
			return
		}
		key := "ip:" + digest(ip)
		limit(c, opts.Limiter, opts.Logger, key, opts.Requests, opts.Window, "muitas tentativas. tente novamente mais tarde")
	}
}

func limit(c *gin.Context, l ratelimiter.Limiter, log *zap.Logger, key string, requests int, window time.Duration, msg string) {
	res, err := l.Allow(c.Request.Context(), key, requests, window)
	if err != nil {
		if log != nil {
			log.Warn("rate limit: erro ao consultar limiter", zap.Error(err))
		}
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(requests))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

	if !res.Allowed {
		c.Header("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
		response.ErrorWithCode(c, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("%s", msg))
		return
	}
	c.Next()
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func digest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
