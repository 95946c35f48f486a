package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomExists          = errors.New("room already exists")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidPassword     = errors.New("invalid room password")
	ErrUserExists          = errors.New("username already exists")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrRoleMismatch        = errors.New("requested role does not match token role")
	ErrForbidden           = errors.New("operation requires facilitator role")
	ErrNotRoomFacilitator  = errors.New("not a facilitator of this room")
)
