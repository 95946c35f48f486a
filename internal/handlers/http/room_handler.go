package http

import (
	"net/http"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/internal/infrastructure/middleware"
	"duet/internal/infrastructure/signal"
	"duet/pkg/errors"
	"duet/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RoomHandler struct {
	registry    ports.RoomRegistry
	authService ports.AuthService
	creds       *signal.CredentialsProvider
	logger      *zap.SugaredLogger
}

func NewRoomHandler(
	registry ports.RoomRegistry,
	authService ports.AuthService,
	creds *signal.CredentialsProvider,
	logger *zap.SugaredLogger,
) *RoomHandler {
	return &RoomHandler{
		registry:    registry,
		authService: authService,
		creds:       creds,
		logger:      logger,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	facilitator := middleware.RequireRole(domain.RoleFacilitator)
	owner := middleware.RequireRoomFacilitator(h.registry)

	rooms := router.Group("/rooms", middleware.AuthMiddleware(h.authService))
	{
		rooms.POST("", facilitator, h.CreateRoom)
		rooms.DELETE("/:id", facilitator, owner, h.DeleteRoom)
		rooms.POST("/:id/join", h.Join)
		rooms.POST("/:id/leave", h.Leave)
		rooms.GET("/:id/participants", h.ListParticipants)
		rooms.POST("/:id/role", facilitator, owner, h.SetRole)
		rooms.POST("/:id/password", facilitator, owner, h.SetPassword)
		rooms.POST("/:id/kick", facilitator, owner, h.Kick)
	}
}

type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
}

type JoinRequest struct {
	Role     string  `json:"role"`
	Password *string `json:"password"`
}

type JoinResponse struct {
	ParticipantID domain.ParticipantID      `json:"participantId"`
	Turn          signal.CredentialsPayload `json:"turn"`
	Participants  []domain.ParticipantView  `json:"participants"`
}

type ParticipantRequest struct {
	ParticipantID string `json:"participantId"`
}

type SetRoleRequest struct {
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
}

type SetPasswordRequest struct {
	Password *string `json:"password"`
}

func roomID(c *gin.Context) domain.RoomID {
	return domain.RoomID(c.Param("id"))
}

// bindOptional accepts an empty body as the zero request.
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return false
	}
	return true
}

func bindParticipant(c *gin.Context) (domain.ParticipantID, bool) {
	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return "", false
	}
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return "", false
	}
	return domain.ParticipantID(req.ParticipantID), true
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.RoomID != "" {
		if err := validation.ValidateRoomID(req.RoomID); err != nil {
			c.Error(errors.NewValidationError(err.Error()))
			return
		}
	}

	identity, _ := middleware.IdentityFrom(c)
	id, err := h.registry.CreateRoom(c.Request.Context(), domain.RoomID(req.RoomID), identity.Username)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"roomId": id})
}

func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	if err := h.registry.DeleteRoom(c.Request.Context(), roomID(c)); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Join checks, in order: room existence, role validity, role against the
// token, then the room password.
func (h *RoomHandler) Join(c *gin.Context) {
	identity, _ := middleware.IdentityFrom(c)
	id := roomID(c)

	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if !h.registry.RoomExists(id) {
		c.Error(errors.WrapError(domain.ErrRoomNotFound, errors.ErrCodeNotFound, "room not found", http.StatusNotFound))
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeValidation, "invalid role", http.StatusBadRequest))
		return
	}
	if role != identity.Role {
		c.Error(errors.WrapError(domain.ErrRoleMismatch, errors.ErrCodeAuthorization,
			"requested role does not match token role", http.StatusForbidden))
		return
	}
	supplied := ""
	if req.Password != nil {
		supplied = *req.Password
	}
	if !h.registry.VerifyPassword(id, supplied) {
		c.Error(errors.WrapError(domain.ErrInvalidPassword, errors.ErrCodeAuthorization,
			"invalid room password", http.StatusForbidden))
		return
	}

	p, err := h.registry.AddParticipant(id, identity.Username, role)
	if err != nil {
		c.Error(err)
		return
	}
	participants, err := h.registry.ListParticipants(id)
	if err != nil {
		c.Error(err)
		return
	}

	h.logger.Infow("participant joined",
		"room_id", id,
		"participant_id", p.ID,
		"role", role,
		"username", identity.Username,
	)
	c.JSON(http.StatusOK, JoinResponse{
		ParticipantID: p.ID,
		Turn:          h.creds.For(p.ID),
		Participants:  participants,
	})
}

func (h *RoomHandler) Leave(c *gin.Context) {
	participantID, ok := bindParticipant(c)
	if !ok {
		return
	}
	h.registry.RemoveParticipant(roomID(c), participantID)
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) ListParticipants(c *gin.Context) {
	participants, err := h.registry.ListParticipants(roomID(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *RoomHandler) SetRole(c *gin.Context) {
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	if err := h.registry.SetRole(roomID(c), domain.ParticipantID(req.ParticipantID), domain.Role(req.Role)); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) SetPassword(c *gin.Context) {
	var req SetPasswordRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Password != nil {
		if err := validation.ValidateRoomPassword(*req.Password); err != nil {
			c.Error(errors.NewValidationError(err.Error()))
			return
		}
	}
	if err := h.registry.SetPassword(c.Request.Context(), roomID(c), req.Password); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) Kick(c *gin.Context) {
	participantID, ok := bindParticipant(c)
	if !ok {
		return
	}
	if err := h.registry.KickParticipant(roomID(c), participantID); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
