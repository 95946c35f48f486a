package ports

import (
	"context"
	"time"

	"duet/internal/core/domain"
)

type AuthService interface {
	Register(ctx context.Context, username, password string, role domain.Role) (*domain.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	Authenticate(token string) (*domain.Identity, error)
	RevokeToken(token string)
	CleanupExpiredTokens(maxIdle time.Duration) int
	ActiveSessions() int
}

type RoomRegistry interface {
	CreateRoom(ctx context.Context, id domain.RoomID, owner string) (domain.RoomID, error)
	DeleteRoom(ctx context.Context, id domain.RoomID) error
	RoomExists(id domain.RoomID) bool
	AddParticipant(roomID domain.RoomID, username string, role domain.Role) (*domain.Participant, error)
	Authorize(roomID domain.RoomID, username string) error
	RemoveParticipant(roomID domain.RoomID, participantID domain.ParticipantID)
	GetParticipant(roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Participant, error)
	ListParticipants(roomID domain.RoomID) ([]domain.ParticipantView, error)
	SetRole(roomID domain.RoomID, participantID domain.ParticipantID, role domain.Role) error
	SetPassword(ctx context.Context, roomID domain.RoomID, password *string) error
	VerifyPassword(roomID domain.RoomID, supplied string) bool
	KickParticipant(roomID domain.RoomID, participantID domain.ParticipantID) error
	TouchParticipant(roomID domain.RoomID, participantID domain.ParticipantID)
	Attach(roomID domain.RoomID, participantID domain.ParticipantID, t domain.Transport) error
	Detach(roomID domain.RoomID, participantID domain.ParticipantID, t domain.Transport) bool
	Send(roomID domain.RoomID, participantID domain.ParticipantID, v interface{}) error
	CleanupInactiveParticipants(maxIdle time.Duration) int
	Stats() RegistryStats
}

type RegistryStats struct {
	Rooms        int
	Participants int
	Connected    int
}
