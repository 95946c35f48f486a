package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"duet/internal/core/domain"
	httphandlers "duet/internal/handlers/http"
	apperrors "duet/pkg/errors"
)

// apiClient talks to the signaling server's HTTP surface.
type apiClient struct {
	base  string
	http  *http.Client
	token string
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			eb.Error = resp.Status
		}
		return apperrors.NewAppError(apperrors.ErrorCode(eb.Code), eb.Error, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *apiClient) register(ctx context.Context, username, password string, role domain.Role) error {
	return a.do(ctx, http.MethodPost, "/register", httphandlers.RegisterRequest{
		Username: username,
		Password: password,
		Role:     string(role),
	}, nil)
}

func (a *apiClient) login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := a.do(ctx, http.MethodPost, "/login", httphandlers.LoginRequest{
		Username: username,
		Password: password,
	}, &resp); err != nil {
		return err
	}
	a.token = resp.Token
	return nil
}

func (a *apiClient) createRoom(ctx context.Context, roomID string) error {
	return a.do(ctx, http.MethodPost, "/rooms", httphandlers.CreateRoomRequest{RoomID: roomID}, nil)
}

func (a *apiClient) join(ctx context.Context, roomID string, role domain.Role, password string) (*httphandlers.JoinResponse, error) {
	req := httphandlers.JoinRequest{Role: string(role)}
	if password != "" {
		req.Password = &password
	}
	var resp httphandlers.JoinResponse
	if err := a.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *apiClient) leave(ctx context.Context, roomID, participantID string) error {
	return a.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/leave",
		httphandlers.ParticipantRequest{ParticipantID: participantID}, nil)
}

func (a *apiClient) participants(ctx context.Context, roomID string) ([]domain.ParticipantView, error) {
	var resp struct {
		Participants []domain.ParticipantView `json:"participants"`
	}
	if err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/participants", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

// relayURL derives the websocket endpoint from the HTTP base.
func relayURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
