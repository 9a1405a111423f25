package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"droptracker/internal/logging"
	"droptracker/internal/services"

	"github.com/gin-gonic/gin"
)

// ClientIDKey is the gin context key holding the authenticated client id.
const ClientIDKey = "client_id"

func AuthMiddleware(authService *services.AuthService) gin.HandlerFunc {
	log := logging.Component("auth")

	return func(c *gin.Context) {
		// Get API key from header or query parameter
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		authHeader := c.GetHeader("Authorization")
		var tokenString string
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		var clientID string
		switch {
		case apiKey != "":
			client, err := authService.ValidateAPIKey(c.Request.Context(), apiKey)
			if errors.Is(err, services.ErrInvalidAPIKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			if err != nil {
				log.Error("api key check failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Authentication unavailable"})
				return
			}
			clientID = client.ClientID
		case tokenString != "":
			claims, err := authService.ValidateToken(tokenString)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				return
			}
			clientID = claims.ClientID
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Set(ClientIDKey, clientID)
		c.Next()
	}
}

// Counter is an expiring counter store.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimitMiddleware allows limitPerHour requests per client and clock hour.
func RateLimitMiddleware(counter Counter, limitPerHour int) gin.HandlerFunc {
	log := logging.Component("ratelimit")

	return func(c *gin.Context) {
		clientID := c.GetString(ClientIDKey)
		if clientID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Client not authenticated"})
			return
		}

		key := fmt.Sprintf("rate_limit:%s:%s", clientID, time.Now().UTC().Format("2006-01-02-15"))
		count, err := counter.Increment(c.Request.Context(), key, time.Hour)
		if err != nil {
			// If the counter store fails, continue without rate limiting
			log.Warn("rate limit counter failed", "client_id", clientID, "error", err)
			c.Next()
			return
		}

		if count > int64(limitPerHour) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     limitPerHour,
				"remaining": 0,
			})
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limitPerHour))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int64(limitPerHour)-count))
		c.Next()
	}
}

func ValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Content-Type validation for POST/PUT requests with a body
		if (c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut) && c.Request.ContentLength != 0 {
			contentType := c.GetHeader("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Content-Type must be application/json"})
				return
			}
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	log := logging.Component("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client_id", c.GetString(ClientIDKey),
			"ip", c.ClientIP(),
			"took", time.Since(start),
		)
	}
}

func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-API-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
