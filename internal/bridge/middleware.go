package bridge

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/shared/jwt"
)

const (
	ctxKeyUID       = "uid"
	ctxKeySessionID = "session_id"
	ctxKeyToken     = "access_token"
)

// Authenticator 校验 access token
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error)
}

// TokenAuth Bearer token 认证中间件
func TokenAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			Unauthorized(c, nil)
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			Unauthorized(c, err)
			return
		}

		c.Set(ctxKeyUID, claims.UID)
		c.Set(ctxKeySessionID, claims.SessionID)
		c.Set(ctxKeyToken, token)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// GetUID 从 context 获取当前用户 uid
func GetUID(c *gin.Context) string {
	return c.GetString(ctxKeyUID)
}

// GetAccessToken 从 context 获取当前请求的 access token
func GetAccessToken(c *gin.Context) string {
	return c.GetString(ctxKeyToken)
}

// CORS 跨域中间件
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && originAllowed(allowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// RequestLogger 请求日志与耗时指标
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).
			Observe(latency.Seconds())

		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency,
			"clientIp", c.ClientIP(),
		)
	}
}
