// Package vonage is a small client for the Vonage Voice API: the mid-call
// commands the IVR sends (stream start/stop, transfer, hangup), outbound
// call creation and the webhook payloads Vonage posts back.
package vonage

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/flowpbx/storyline/internal/ncco"
)

// DefaultBaseURL is the Vonage REST API endpoint.
const DefaultBaseURL = "https://api.nexmo.com"

// tokenTTL is the lifetime of an application JWT. Tokens are reused until
// tokenRefreshMargin before they expire.
const (
	tokenTTL           = 15 * time.Minute
	tokenRefreshMargin = time.Minute
)

// APIError is a non-2xx response from the Voice API.
type APIError struct {
	StatusCode int
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	switch {
	case e.Title != "" && e.Detail != "":
		return fmt.Sprintf("vonage: %s: %s (status %d)", e.Title, e.Detail, e.StatusCode)
	case e.Title != "":
		return fmt.Sprintf("vonage: %s (status %d)", e.Title, e.StatusCode)
	default:
		return fmt.Sprintf("vonage: unexpected status %d", e.StatusCode)
	}
}

// Endpoint is one side of a call.
type Endpoint struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// CreateCallRequest is the body of POST /v1/calls.
type CreateCallRequest struct {
	To       []Endpoint `json:"to"`
	From     Endpoint   `json:"from"`
	NCCO     ncco.NCCO  `json:"ncco"`
	EventURL []string   `json:"event_url,omitempty"`
}

// CallResponse describes a call created through the API.
type CallResponse struct {
	UUID             string `json:"uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	ConversationUUID string `json:"conversation_uuid"`
}

type streamRequest struct {
	StreamURL []string `json:"stream_url"`
	Loop      int      `json:"loop"`
	Level     float64  `json:"level"`
}

// Client sends Voice API requests authenticated with an application JWT.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	applicationID string
	key           *rsa.PrivateKey
	from          string
	logger        *slog.Logger

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// NewClient creates a Voice API client. privateKeyPEM is the application's
// RSA private key and from is the virtual number used for outbound calls.
func NewClient(baseURL, applicationID string, privateKeyPEM []byte, from string, logger *slog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("vonage: parsing private key: %w", err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		baseURL:       baseURL,
		applicationID: applicationID,
		key:           key,
		from:          from,
		logger:        logger.With("subsystem", "vonage"),
	}, nil
}

// StartStream plays an audio URL into the call once.
func (c *Client) StartStream(ctx context.Context, legID, audioURL string) error {
	body := streamRequest{StreamURL: []string{audioURL}, Loop: 1, Level: 1}
	return c.do(ctx, http.MethodPut, callPath(legID)+"/stream", body, nil)
}

// StopStream stops the audio currently streaming into the call.
func (c *Client) StopStream(ctx context.Context, legID string) error {
	return c.do(ctx, http.MethodDelete, callPath(legID)+"/stream", nil, nil)
}

// Transfer replaces the call's current NCCO with actions.
func (c *Client) Transfer(ctx context.Context, legID string, actions ncco.NCCO) error {
	return c.do(ctx, http.MethodPut, callPath(legID), ncco.Transfer(actions), nil)
}

// Hangup terminates the call.
func (c *Client) Hangup(ctx context.Context, legID string) error {
	return c.do(ctx, http.MethodPut, callPath(legID), ncco.Hangup(), nil)
}

// CreateCall dials number from the configured virtual number and runs
// actions once it answers.
func (c *Client) CreateCall(ctx context.Context, number string, actions ncco.NCCO, eventURL string) (*CallResponse, error) {
	req := CreateCallRequest{
		To:   []Endpoint{{Type: "phone", Number: number}},
		From: Endpoint{Type: "phone", Number: c.from},
		NCCO: actions,
	}
	if eventURL != "" {
		req.EventURL = []string{eventURL}
	}

	var resp CallResponse
	if err := c.do(ctx, http.MethodPost, "/v1/calls", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Info("outbound call created", "to", number, "leg_id", resp.UUID, "status", resp.Status)
	return &resp, nil
}

// From returns the virtual number outbound calls are placed from.
func (c *Client) From() string {
	return c.from
}

func callPath(legID string) string {
	return "/v1/calls/" + url.PathEscape(legID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.token()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("vonage: marshalling request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("vonage: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vonage: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("vonage: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		json.Unmarshal(respBody, apiErr) //nolint:errcheck
		c.logger.Debug("voice api request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"title", apiErr.Title,
		)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("vonage: decoding response: %w", err)
		}
	}
	return nil
}

// appClaims are the claims of a Vonage application JWT.
type appClaims struct {
	ApplicationID string `json:"application_id"`
	jwt.RegisteredClaims
}

// token returns a cached application JWT, signing a new one when the
// cached token is close to expiry.
func (c *Client) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.cachedToken != "" && now.Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.cachedToken, nil
	}

	expiresAt := now.Add(tokenTTL)
	claims := appClaims{
		ApplicationID: c.applicationID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("vonage: signing jwt: %w", err)
	}

	c.cachedToken = signed
	c.tokenExpiry = expiresAt
	return signed, nil
}
