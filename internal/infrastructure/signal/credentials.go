package signal

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"duet/internal/core/domain"
	"duet/pkg/config"

	"github.com/pion/webrtc/v3"
)

// CredentialsPayload is pushed to every participant right after attach.
// URLs, Username and Credential describe the first TURN-capable server;
// ICEServers carries the full list in pion's shape.
type CredentialsPayload struct {
	URLs       []string           `json:"urls"`
	Username   string             `json:"username,omitempty"`
	Credential string             `json:"credential,omitempty"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type credentialsFrame struct {
	Type    MessageType        `json:"type"`
	Payload CredentialsPayload `json:"payload"`
}

// CredentialsProvider hands out ICE servers. With a shared secret, TURN
// servers get time-limited REST credentials bound to the participant.
type CredentialsProvider struct {
	servers []config.ICEServer
	secret  string
	ttl     time.Duration
	now     func() time.Time
}

func NewCredentialsProvider(servers []config.ICEServer, secret string, ttl time.Duration) *CredentialsProvider {
	return &CredentialsProvider{
		servers: servers,
		secret:  secret,
		ttl:     ttl,
		now:     time.Now,
	}
}

func isTURN(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

// TURNCredential derives the password for username from secret.
func TURNCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// For builds the credentials payload for one participant.
func (p *CredentialsProvider) For(participantID domain.ParticipantID) CredentialsPayload {
	payload := CredentialsPayload{
		URLs:       []string{},
		ICEServers: make([]webrtc.ICEServer, 0, len(p.servers)),
	}

	var username, credential string
	if p.secret != "" {
		username = fmt.Sprintf("%d:%s", p.now().Add(p.ttl).Unix(), participantID)
		credential = TURNCredential(p.secret, username)
	}

	primary := false
	for _, s := range p.servers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		turn := false
		for _, u := range s.URLs {
			if isTURN(u) {
				turn = true
				break
			}
		}

		if turn {
			server.CredentialType = webrtc.ICECredentialTypePassword
			if p.secret != "" {
				server.Username = username
				server.Credential = credential
			} else {
				server.Username = s.Username
				server.Credential = s.Credential
			}
			if !primary {
				payload.Username = server.Username
				payload.Credential, _ = server.Credential.(string)
				primary = true
			}
		}
		payload.URLs = append(payload.URLs, s.URLs...)
		payload.ICEServers = append(payload.ICEServers, server)
	}
	return payload
}

func (p *CredentialsProvider) frame(participantID domain.ParticipantID) credentialsFrame {
	return credentialsFrame{Type: TypeCredentials, Payload: p.For(participantID)}
}
