package http

import (
	"net/http"
	"strings"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/internal/infrastructure/middleware"
	"duet/pkg/errors"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService ports.AuthService
	limiter     gin.HandlerFunc
}

// NewAuthHandler wires the credential endpoints. limiter guards register
// and login; pass nil to leave them unthrottled.
func NewAuthHandler(authService ports.AuthService, limiter gin.HandlerFunc) *AuthHandler {
	if limiter == nil {
		limiter = func(c *gin.Context) { c.Next() }
	}
	return &AuthHandler{
		authService: authService,
		limiter:     limiter,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/register", h.limiter, h.Register)
	router.POST("/login", h.limiter, h.Login)
	router.POST("/logout", middleware.AuthMiddleware(h.authService), h.Logout)
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	role := domain.Role(strings.TrimSpace(req.Role))
	user, err := h.authService.Register(c.Request.Context(), strings.TrimSpace(req.Username), req.Password, role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"username": user.Username,
		"role":     user.Role,
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	token, err := h.authService.Login(c.Request.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	h.authService.RevokeToken(middleware.TokenFrom(c))
	c.Status(http.StatusNoContent)
}
