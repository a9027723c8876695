// Package client is the Go SDK for the reclaim auth service. It owns the
// access token for the lifetime of the process, carries the refresh token in
// its cookie jar, and retries expired requests transparently after a single
// coordinated refresh exchange.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"
)

// ErrSessionExpired is returned when the refresh exchange itself is rejected.
// The client has already cleared its credentials and fired OnAuthExpired; the
// caller must re-authenticate.
var ErrSessionExpired = errors.New("client: session expired")

// APIError is a non-2xx response decoded from the service's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// User mirrors the service's profile payload.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	AvatarURL     *string   `json:"avatarUrl,omitempty"`
	Phone         *string   `json:"phone,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuthData is the payload of register, login and refresh responses.
type AuthData struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type tokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RegisterParams carries the registration form.
type RegisterParams struct {
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	Password        string  `json:"password"`
	ConfirmPassword string  `json:"confirmPassword"`
	Phone           *string `json:"phone,omitempty"`
}

// ResetPasswordParams carries the final step of the password recovery flow.
type ResetPasswordParams struct {
	Email           string `json:"email"`
	OTP             string `json:"otp"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Data    json.RawMessage   `json:"data"`
	Fields  map[string]string `json:"fields"`
}

// Client is safe for concurrent use. Requests carrying an expired access
// token are retried once after a refresh; concurrent expirations share a
// single refresh exchange via the RefreshCoordinator.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger

	// OnAuthExpired fires at most once per session loss, with the path of
	// the request that discovered it, so callers can route back to login
	// and return to the intended destination afterwards.
	OnAuthExpired func(intendedPath string)

	mu          sync.Mutex
	accessToken string
	expired     bool

	refresh *RefreshCoordinator
}

// New builds a Client with its own cookie jar, which is where the httpOnly
// refresh token cookie lives between exchanges.
func New(baseURL string, logger *slog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("client: cookie jar: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Jar: jar, Timeout: 30 * time.Second},
		Logger:  logger,
	}
	c.refresh = NewRefreshCoordinator(c.exchangeRefresh)
	return c, nil
}

// AccessToken returns the current bearer token, empty when logged out.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) setAccessToken(tok string) {
	c.mu.Lock()
	c.accessToken = tok
	c.expired = false
	c.mu.Unlock()
}

// clearSession drops the token and reports whether this call was the one that
// transitioned the client into the expired state.
func (c *Client) clearSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	if c.expired {
		return false
	}
	c.expired = true
	return true
}

// Register creates an account and signs the new user in.
func (c *Client) Register(ctx context.Context, params RegisterParams) (*AuthData, error) {
	var data AuthData
	if err := c.doPublic(ctx, http.MethodPost, "/auth/register", params, &data); err != nil {
		return nil, err
	}
	c.setAccessToken(data.AccessToken)
	return &data, nil
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthData, error) {
	body := map[string]string{"email": email, "password": password}
	var data AuthData
	if err := c.doPublic(ctx, http.MethodPost, "/auth/login", body, &data); err != nil {
		return nil, err
	}
	c.setAccessToken(data.AccessToken)
	return &data, nil
}

// Logout clears the server-side cookie and the local credentials. The access
// token is dropped regardless of the response; it is short-lived anyway.
func (c *Client) Logout(ctx context.Context) error {
	err := c.doAuthed(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.mu.Lock()
	c.accessToken = ""
	c.expired = false
	c.mu.Unlock()
	return err
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.doAuthed(ctx, http.MethodGet, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ForgotPassword asks the service to email a reset code.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return c.doPublic(ctx, http.MethodPost, "/auth/forgot-password", body, nil)
}

// VerifyOTP checks a reset code without consuming it.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) error {
	body := map[string]string{"email": email, "otp": otp}
	return c.doPublic(ctx, http.MethodPost, "/auth/verify-otp", body, nil)
}

// ResetPassword consumes the reset code and sets the new password.
func (c *Client) ResetPassword(ctx context.Context, params ResetPasswordParams) error {
	return c.doPublic(ctx, http.MethodPost, "/auth/reset-password", params, nil)
}

// doAuthed sends a bearer-authenticated request. On 401 it joins the shared
// refresh exchange and retries exactly once with the new token; a second 401
// is returned as-is rather than looping.
func (c *Client) doAuthed(ctx context.Context, method, path string, body, out any) error {
	err := c.doOnce(ctx, method, path, body, out, c.AccessToken())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}

	newToken, refreshErr := c.refresh.Refresh(ctx)
	if refreshErr != nil {
		if c.clearSession() {
			c.Logger.Warn("session expired", "path", path)
			if c.OnAuthExpired != nil {
				c.OnAuthExpired(path)
			}
		}
		return fmt.Errorf("%w: %v", ErrSessionExpired, refreshErr)
	}
	return c.doOnce(ctx, method, path, body, out, newToken)
}

// doPublic sends a request that never participates in the refresh cycle.
func (c *Client) doPublic(ctx context.Context, method, path string, body, out any) error {
	return c.doOnce(ctx, method, path, body, out, "")
}

// exchangeRefresh is the coordinator's ExchangeFunc. The refresh token rides
// in the cookie jar, so the request body is empty.
func (c *Client) exchangeRefresh(ctx context.Context) (string, error) {
	var data tokenData
	if err := c.doOnce(ctx, http.MethodPost, "/auth/refresh-token", nil, &data, ""); err != nil {
		return "", err
	}
	c.setAccessToken(data.AccessToken)
	return data.AccessToken, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any, bearer string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return &APIError{Status: resp.StatusCode, Code: "BAD_RESPONSE", Message: "undecodable response body"}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    env.Code,
			Message: env.Message,
			Fields:  env.Fields,
		}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("client: decode payload: %w", err)
		}
	}
	return nil
}
