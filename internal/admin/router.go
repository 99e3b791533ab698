package admin

import (
	"net/http"
	"strings"

	"commlink/internal/auth"

	"github.com/gin-gonic/gin"
)

// TokenValidator checks bearer tokens on admin routes.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AuthMiddleware is a Gin middleware for JWT authentication of admin requests.
func AuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		// format: "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := tokens.Validate(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// NewRouter wires the admin routes. Everything except /health requires a
// bearer token when tokens is non-nil.
func NewRouter(h *Handler, tokens TokenValidator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.Health)

	api := r.Group("/")
	if tokens != nil {
		api.Use(AuthMiddleware(tokens))
	}
	api.GET("/peers", h.ListPeers)
	api.GET("/peers/accepted", h.ListAccepted)
	api.GET("/peers/:id", h.GetPeer)
	api.POST("/peers/:id/messages", h.SendToPeer)
	api.DELETE("/peers/:id", h.DisconnectPeer)
	api.GET("/sessions", h.ListSessions)
	return r
}
