package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrSignedOut is returned when a request is attempted on a session whose
// credentials have been cleared.
var ErrSignedOut = errors.New("apiclient: session is signed out")

// refreshResult is what queued requests receive once an in-flight refresh
// settles.
type refreshResult struct {
	token string
	err   error
}

// Session owns one signed-in user's credential pair and coordinates token
// refresh across concurrent requests.
//
// When a request comes back 401, the session refreshes the pair and replays
// the request with the new access token, at most once per original request.
// While a refresh is in flight every other 401'd request joins a FIFO queue
// instead of starting its own refresh; they are released in arrival order
// when the single refresh settles. A 403 never triggers a refresh: the
// credential was valid but the operation is not allowed, so retrying with a
// fresh token cannot succeed.
type Session struct {
	client *Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	userID       string
	twoFactorReq bool

	refreshing bool
	waiters    []chan refreshResult

	// reauthOnce collapses credential-death notifications so the hook fires
	// at most once per sign-in context.
	reauthOnce sync.Once
}

// newSession creates a session from a login response. Each sign-in gets a
// fresh session, which re-arms the reauthentication notification.
func newSession(client *Client, resp LoginResponse) *Session {
	return &Session{
		client:       client,
		accessToken:  resp.AccessToken,
		refreshToken: resp.RefreshToken,
		userID:       resp.UserID,
		twoFactorReq: resp.TwoFactorRequired,
	}
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// RefreshToken returns the current refresh token. Persist both tokens
// together; they rotate as a pair.
func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// UserID returns the signed-in user's id, when known.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// TwoFactorRequired reports whether the login still needs its second factor.
func (s *Session) TwoFactorRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.twoFactorReq
}

// SignOut revokes the session's refresh token server-side and clears the
// local credentials. The reauthentication hook does not fire for a
// deliberate sign-out.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	refreshToken := s.refreshToken
	s.accessToken = ""
	s.refreshToken = ""
	s.mu.Unlock()

	if refreshToken == "" {
		return nil
	}

	resp, err := s.client.postJSON(ctx, "/v1/auth/logout", LogoutRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	return checkStatusNoContent(resp)
}

// Validate asks the server whether the current access token is good,
// refreshing transparently if it has gone stale.
func (s *Session) Validate(ctx context.Context) (ValidateResponse, error) {
	var out ValidateResponse
	err := s.Get(ctx, "/v1/auth/validate", &out)
	return out, err
}

// ChangePassword replaces the account password after re-entering the
// current one. The server revokes every refresh token on success, this
// session's included; sign in again afterwards.
func (s *Session) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	var out MessageResponse
	return s.Post(ctx, "/v1/auth/password", ChangePasswordRequest{
		CurrentPassword: currentPassword,
		NewPassword:     newPassword,
	}, &out)
}

// TwoFactorSetup begins TOTP enrollment for the signed-in user.
func (s *Session) TwoFactorSetup(ctx context.Context) (TwoFactorSetupResponse, error) {
	var out TwoFactorSetupResponse
	err := s.Post(ctx, "/v1/2fa/setup", nil, &out)
	return out, err
}

// TwoFactorVerify confirms enrollment with a current TOTP code. On success
// 2FA is enabled and the one-time backup codes are returned.
func (s *Session) TwoFactorVerify(ctx context.Context, token string) ([]string, error) {
	var out BackupCodesResponse
	if err := s.Post(ctx, "/v1/2fa/verify", TwoFactorVerifyRequest{Token: token}, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

// TwoFactorDisable turns 2FA off. The account password is required; a TOTP
// token is optional but validated when given.
func (s *Session) TwoFactorDisable(ctx context.Context, password, token string) error {
	var out MessageResponse
	return s.Post(ctx, "/v1/2fa/disable", TwoFactorDisableRequest{Password: password, Token: token}, &out)
}

// TwoFactorStatus reports enrollment state and remaining backup codes.
func (s *Session) TwoFactorStatus(ctx context.Context) (TwoFactorStatusResponse, error) {
	var out TwoFactorStatusResponse
	err := s.Get(ctx, "/v1/2fa/status", &out)
	return out, err
}

// RegenerateBackupCodes replaces the backup code set after password
// re-entry. Old codes stop working immediately.
func (s *Session) RegenerateBackupCodes(ctx context.Context, password string) ([]string, error) {
	var out BackupCodesResponse
	if err := s.Post(ctx, "/v1/2fa/backup-codes", RegenerateBackupCodesRequest{Password: password}, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

// Get performs an authenticated GET and decodes the JSON response into out.
func (s *Session) Get(ctx context.Context, path string, out any) error {
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out, http.StatusOK)
}

// Post performs an authenticated JSON POST and decodes the response into
// out. A nil body sends an empty request.
func (s *Session) Post(ctx context.Context, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	resp, err := s.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out, http.StatusOK)
}

// do runs one authenticated request through the refresh coordinator. The
// retry decision is a local variable here: a request is replayed after at
// most one successful refresh, and never mutated to mark itself.
func (s *Session) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	retried := false

	for {
		s.mu.Lock()
		token := s.accessToken
		s.mu.Unlock()
		if token == "" {
			return nil, ErrSignedOut
		}

		resp, err := s.send(ctx, method, path, payload, token)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if retried {
				// The replay also came back 401; surface it rather than loop.
				return resp, nil
			}
			retried = true
			// Drain before closing so the transport can reuse the
			// connection for the replay.
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if _, err := s.awaitRefresh(ctx, token); err != nil {
				return nil, fmt.Errorf("token refresh failed: %w", err)
			}
			// Replay with the new token.

		case http.StatusForbidden:
			// Authorization denied with a live credential. Refreshing cannot
			// help, and continuing with these tokens is pointless.
			s.clearCredentials()
			s.notifyReauthenticationRequired()
			return resp, nil

		default:
			return resp, nil
		}
	}
}

// send issues a single HTTP request carrying the given bearer token.
func (s *Session) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body *bytes.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.client.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// awaitRefresh returns a fresh access token. The first caller performs the
// network refresh; everyone else queues and is released, in arrival order,
// when that single refresh settles. staleToken lets a caller that lost the
// race detect that the tokens were already rotated and skip refreshing.
func (s *Session) awaitRefresh(ctx context.Context, staleToken string) (string, error) {
	s.mu.Lock()

	// Another request may have finished a refresh between our 401 and now.
	if !s.refreshing && s.accessToken != "" && s.accessToken != staleToken {
		token := s.accessToken
		s.mu.Unlock()
		return token, nil
	}

	if s.refreshing {
		ch := make(chan refreshResult, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()

		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.refreshing = true
	refreshToken := s.refreshToken
	s.mu.Unlock()

	token, err := s.performRefresh(ctx, refreshToken)
	if err != nil {
		s.notifyReauthenticationRequired()
		return "", err
	}
	return token, nil
}

// performRefresh exchanges the refresh token for a new pair, stores both
// tokens in one critical section, and releases the FIFO queue. The network
// call happens outside the session lock so queued requests can line up
// meanwhile.
func (s *Session) performRefresh(ctx context.Context, refreshToken string) (string, error) {
	var (
		out        RefreshResponse
		refreshErr error
	)

	if refreshToken == "" {
		refreshErr = ErrSignedOut
	} else {
		resp, err := s.client.postJSON(ctx, "/v1/auth/refresh", RefreshRequest{RefreshToken: refreshToken})
		if err != nil {
			refreshErr = err
		} else {
			refreshErr = decodeJSON(resp, &out, http.StatusOK)
		}
	}

	s.mu.Lock()
	s.refreshing = false
	waiters := s.waiters
	s.waiters = nil

	if refreshErr != nil {
		// Dead credentials; every queued request fails with the same cause.
		s.accessToken = ""
		s.refreshToken = ""
		s.mu.Unlock()

		for _, ch := range waiters {
			ch <- refreshResult{err: refreshErr}
		}
		return "", refreshErr
	}

	// Both tokens update together; a reader can never observe a new access
	// token alongside the consumed refresh token.
	s.accessToken = out.AccessToken
	s.refreshToken = out.RefreshToken
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{token: out.AccessToken}
	}
	return out.AccessToken, nil
}

func (s *Session) clearCredentials() {
	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.mu.Unlock()
}

func (s *Session) notifyReauthenticationRequired() {
	s.reauthOnce.Do(s.client.reauthenticationRequired)
}
