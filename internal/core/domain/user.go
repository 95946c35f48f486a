package domain

import "time"

type User struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"passwordHash"`
	Salt         []byte    `json:"salt"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Identity is what a valid bearer token resolves to.
type Identity struct {
	Username string
	Role     Role
	TokenID  string
}
