// Package client is a thin HTTP client for the HealthSync API, used by
// the consult CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns the identity token obtained by Login.
func (c *Client) Token() string {
	return c.token
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login creates an identity session and stores the token for
// subsequent calls.
func (c *Client) Login(ctx context.Context, displayName, role string) error {
	var resp loginResponse
	err := c.post(ctx, "/api/sessions", map[string]string{
		"display_name": displayName,
		"role":         role,
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

type consultResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	PeerID string `json:"peer_id"`
}

func (c *Client) CreateConsultation(ctx context.Context) (key string, err error) {
	var resp consultResponse
	if err := c.post(ctx, "/api/consultations", nil, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) JoinConsultation(ctx context.Context, key string) (peerID string, err error) {
	var resp consultResponse
	if err := c.post(ctx, "/api/consultations/"+url.PathEscape(key)+"/join", nil, &resp); err != nil {
		return "", err
	}
	return resp.PeerID, nil
}

type provisionResponse struct {
	Key     string `json:"key"`
	RoomURL string `json:"room_url"`
	Demo    bool   `json:"demo"`
}

// ProvisionRoom asks the server for the realtime room endpoint. An
// empty URL means the room service is disabled and the session should
// run in local fallback.
func (c *Client) ProvisionRoom(ctx context.Context, key string) (string, error) {
	var resp provisionResponse
	if err := c.post(ctx, "/api/consultations/"+url.PathEscape(key)+"/room", nil, &resp); err != nil {
		return "", err
	}
	if resp.Demo || resp.RoomURL == "" {
		return "", nil
	}
	return resp.RoomURL + "&token=" + url.QueryEscape(c.token), nil
}

func (c *Client) SaveSummary(ctx context.Context, key string, durationSeconds int, emergencyFlag bool) error {
	return c.post(ctx, "/api/consultations/"+url.PathEscape(key)+"/summary", map[string]any{
		"duration_seconds": durationSeconds,
		"emergency_flag":   emergencyFlag,
	}, nil)
}

func (c *Client) EndConsultation(ctx context.Context, key string) error {
	return c.post(ctx, "/api/consultations/"+url.PathEscape(key)+"/end", nil, nil)
}

// ChatURL and TranscribeURL build authenticated websocket endpoints.
func (c *Client) ChatURL(key string) string {
	return c.wsBase() + "/ws/chat?room=" + url.QueryEscape(key) + "&token=" + url.QueryEscape(c.token)
}

func (c *Client) TranscribeURL(key string) string {
	return c.wsBase() + "/ws/transcribe?key=" + url.QueryEscape(key) + "&token=" + url.QueryEscape(c.token)
}

func (c *Client) wsBase() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
