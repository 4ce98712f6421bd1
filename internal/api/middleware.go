package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/metrics"
)

// AdminRole is the role claim required on admin routes
const AdminRole = "admin"

// RequestIDMiddleware adds a request ID to each request and its context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = logging.NewCorrelationID()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// LoggingMiddleware logs one line per request with its correlation ID
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		logger.LogRequest(ctx,
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
		for _, err := range c.Errors {
			logger.LogError(ctx, err.Err, "Request processing error", nil)
		}
	}
}

// RecoveryMiddleware turns handler panics into 500 responses
func RecoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(c.Request.Context(), recovered, "Request panic recovered")
		if m != nil {
			m.RecordPanic("api")
		}
		fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", map[string]interface{}{
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
		})
	})
}

// CORSMiddleware allows dashboards on origins to read the API. An empty
// list or "*" allows any origin without credentials.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "X-Correlation-ID"},
		ExposeHeaders: []string{"X-Request-ID", "X-Correlation-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeadersMiddleware marks every response as non-cacheable and
// non-embeddable.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range securityHeaders {
			c.Header(h[0], h[1])
		}
		c.Next()
	}
}

// AdminClaims are the claims carried by admin tokens
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 admin token for subject valid for ttl
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var adminParser = jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func bearerToken(c *gin.Context) (string, bool) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// AdminAuthMiddleware requires a bearer token signed with secret and carrying
// the admin role. The token subject is stored under "subject".
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			UnauthorizedResponse(c, "bearer token required")
			return
		}

		var claims AdminClaims
		if _, err := adminParser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			UnauthorizedResponse(c, "invalid or expired token")
			return
		}
		if claims.Role != AdminRole {
			ForbiddenResponse(c, "admin role required")
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}
