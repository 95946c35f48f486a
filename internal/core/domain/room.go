package domain

import (
	"fmt"
	"time"
)

type RoomID string
type ParticipantID string

// Role is the closed set of participant roles.
type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleExplorer    Role = "explorer"
	RoleListener    Role = "listener"
)

// Roles lists every valid role.
var Roles = []Role{RoleFacilitator, RoleExplorer, RoleListener}

func (r Role) Valid() bool {
	switch r {
	case RoleFacilitator, RoleExplorer, RoleListener:
		return true
	}
	return false
}

// ParseRole rejects anything outside the enum; it never coerces.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Transport is the handle of a connected participant. The relay owns the
// concrete socket; the registry only sends to and closes it.
type Transport interface {
	Send(v interface{}) error
	Close() error
}

// Room is one session. Owner is the username that created it.
type Room struct {
	ID           RoomID
	Owner        string
	Password     *string
	CreatedAt    time.Time
	Participants map[ParticipantID]*Participant
}

type Participant struct {
	ID        ParticipantID
	RoomID    RoomID
	Username  string
	Role      Role
	Transport Transport
	JoinedAt  time.Time
	LastSeen  time.Time
}

func (p *Participant) Connected() bool {
	return p.Transport != nil
}

// ParticipantView is the read-only snapshot handed out by the registry.
type ParticipantView struct {
	ID        ParticipantID `json:"id"`
	Role      Role          `json:"role"`
	Connected bool          `json:"connected"`
}

func (p *Participant) View() ParticipantView {
	return ParticipantView{ID: p.ID, Role: p.Role, Connected: p.Connected()}
}

// RoomRecord is the persisted shape of a room. Participants are ephemeral
// and never stored.
type RoomRecord struct {
	ID        RoomID    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	Password  *string   `json:"password,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
