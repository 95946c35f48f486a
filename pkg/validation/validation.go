package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// UsernameRegex validates username characters
	UsernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// AssetIDRegex validates asset (track key) format
	AssetIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// SHA256Regex validates a lowercase or uppercase hex sha256 digest
	SHA256Regex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !UsernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	if len(password) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateRoomPassword validates a room gate password. Room passwords are a
// shared secret typed by people, so only length is checked.
func ValidateRoomPassword(password string) error {
	if password == "" {
		return fmt.Errorf("room password must not be empty")
	}
	if utf8.RuneCountInString(password) > 128 {
		return fmt.Errorf("room password is too long (max 128 characters)")
	}
	return nil
}

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(participantID string) error {
	if participantID == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(participantID) > 100 {
		return fmt.Errorf("participant ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(participantID) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateAssetID validates asset ID
func ValidateAssetID(id string) error {
	if id == "" {
		return fmt.Errorf("asset ID is required")
	}
	if len(id) > 200 {
		return fmt.Errorf("asset ID is too long (max 200 characters)")
	}
	if !AssetIDRegex.MatchString(id) {
		return fmt.Errorf("invalid asset ID format")
	}
	return nil
}

// ValidateSHA256 validates a hex encoded sha256 digest
func ValidateSHA256(digest string) error {
	if !SHA256Regex.MatchString(digest) {
		return fmt.Errorf("sha256 must be 64 hex characters")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN/TURN server URL
func ValidateICEURL(urlStr string) error {
	switch {
	case strings.HasPrefix(urlStr, "stun:"), strings.HasPrefix(urlStr, "stuns:"),
		strings.HasPrefix(urlStr, "turn:"), strings.HasPrefix(urlStr, "turns:"):
	default:
		return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", urlStr)
	}
	if len(strings.SplitN(urlStr, ":", 2)[1]) == 0 {
		return fmt.Errorf("ICE server URL %q has no host", urlStr)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
