package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the auth service. It handles the unauthenticated surface
// (register, login, the mid-login 2FA gate) and creates authenticated
// Sessions. A single Client is safe for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// OnReauthenticationRequired is invoked when a Session's credentials
	// become unusable (refresh failed or the server returned 403). It fires
	// at most once per sign-in; signing in again re-arms it. Typically wired
	// to a "please log in again" UI affordance.
	OnReauthenticationRequired func()
}

// NewClient creates an auth service client.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// postJSON performs an unauthenticated JSON POST. Credential-exchange
// endpoints go through here: they never carry a bearer token and never
// participate in refresh-retry.
func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, email, name, password string) (string, error) {
	resp, err := c.postJSON(ctx, "/v1/auth/register", RegisterRequest{
		Email:    email,
		Name:     name,
		Password: password,
	})
	if err != nil {
		return "", err
	}

	var out RegisterResponse
	if err := decodeJSON(resp, &out, http.StatusCreated); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// SignIn authenticates with email/password and returns a Session owning the
// issued token pair. When the returned Session's TwoFactorRequired is true
// the caller must complete VerifyTwoFactorLogin before the platform treats
// the login as done.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	resp, err := c.postJSON(ctx, "/v1/auth/login", LoginRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}

	var out LoginResponse
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}

	return newSession(c, out), nil
}

// VerifyTwoFactorLogin completes the second factor of a login. Exactly one
// of token or backupCode should be supplied.
func (c *Client) VerifyTwoFactorLogin(ctx context.Context, userID, token, backupCode string) error {
	resp, err := c.postJSON(ctx, "/v1/2fa/verify-login", TwoFactorVerifyLoginRequest{
		UserID:     userID,
		Token:      token,
		BackupCode: backupCode,
	})
	if err != nil {
		return err
	}

	var out TwoFactorVerifyLoginResponse
	return decodeJSON(resp, &out, http.StatusOK)
}

// ResumeSession rebuilds a Session from previously persisted tokens. The
// Session refreshes transparently when the access token has gone stale.
func (c *Client) ResumeSession(accessToken, refreshToken string) *Session {
	return newSession(c, LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

// reauthenticationRequired invokes the configured hook, if any.
func (c *Client) reauthenticationRequired() {
	if c.OnReauthenticationRequired != nil {
		c.OnReauthenticationRequired()
	}
}

// decodeJSON decodes a JSON response body into target, returning a typed
// *APIError when the status is not the expected one.
func decodeJSON(resp *http.Response, target any, expectedStatus int) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != expectedStatus {
		return parseErrorResponse(resp, bodyBytes)
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// checkStatusNoContent returns a typed error unless the response is 204.
func checkStatusNoContent(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp, bodyBytes)
	}
	return nil
}
