package middleware

import (
	"strings"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	identityKey = "identity"
	tokenKey    = "token"
)

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthMiddleware resolves the bearer token to an identity. Every successful
// check counts as activity on the token.
func AuthMiddleware(authService ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Error(errors.NewAuthenticationError("authorization header required"))
			c.Abort()
			return
		}

		identity, err := authService.Authenticate(token)
		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Set(tokenKey, token)
		c.Next()
	}
}

// RequireRole rejects identities whose token role is not role. Must run
// after AuthMiddleware.
func RequireRole(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.Error(errors.NewAuthenticationError("authentication required"))
			c.Abort()
			return
		}
		if identity.Role != role {
			c.Error(errors.WrapError(domain.ErrForbidden, errors.ErrCodeAuthorization,
				"operation requires "+string(role)+" role", 403))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRoomFacilitator rejects identities that neither created the room
// named by the :id parameter nor hold a facilitator seat in it. Must run
// after AuthMiddleware.
func RequireRoomFacilitator(registry ports.RoomRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.Error(errors.NewAuthenticationError("authentication required"))
			c.Abort()
			return
		}
		if err := registry.Authorize(domain.RoomID(c.Param("id")), identity.Username); err != nil {
			c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (*domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*domain.Identity)
	return identity, ok
}

func TokenFrom(c *gin.Context) string {
	return c.GetString(tokenKey)
}
