package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/propstake/propstake/internal/auth/service"
	"github.com/propstake/propstake/pkg/apiclient"
	"github.com/propstake/propstake/pkg/httpx"
	"github.com/propstake/propstake/pkg/jwtx"
	"github.com/propstake/propstake/pkg/slogx"
)

// AuthHandler serves the credential exchange endpoints: register, login,
// refresh, logout and validate.
type AuthHandler struct {
	UserService  *service.UserService
	TokenService *service.TokenService
}

// HandleRegister handles POST /v1/auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req apiclient.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	u, err := h.UserService.Register(ctx, req.Email, req.Name, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmailTaken):
			apiclient.NewAPIError(http.StatusConflict, "email_taken",
				"an account with this email already exists").WriteError(w)
		case errors.Is(err, service.ErrInvalidEmail):
			apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidRequest,
				"email address is not valid").WriteError(w)
		case errors.Is(err, service.ErrWeakPassword):
			apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidRequest,
				"password does not meet the minimum length").WriteError(w)
		default:
			log.Error("registration failed", "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, apiclient.RegisterResponse{UserID: u.ID})
}

// HandleLogin handles POST /v1/auth/login. A token pair is always issued on
// a correct password; when the account has 2FA enabled the response flags
// that the login still needs its second factor.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req apiclient.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}
	if req.Email == "" || req.Password == "" {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	u, err := h.UserService.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			apiclient.ErrInvalidCredentials.WriteError(w)
		case errors.Is(err, service.ErrAccountLocked):
			apiclient.ErrAccountLocked.WriteError(w)
		default:
			log.Error("login failed", "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	pair, err := h.TokenService.Issue(ctx, u, []string{jwtx.AMRPassword})
	if err != nil {
		log.Error("failed to issue tokens", "user_id", u.ID, "err", err)
		apiclient.ErrServerError.WriteError(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.LoginResponse{
		AccessToken:       pair.AccessToken,
		RefreshToken:      pair.RefreshToken,
		ExpiresIn:         int(pair.ExpiresIn.Seconds()),
		UserID:            u.ID,
		TwoFactorRequired: u.TwoFactorEnabled(),
	})
}

// HandleRefresh handles POST /v1/auth/refresh. The presented refresh token
// is consumed: success always returns a rotated pair.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req apiclient.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	pair, err := h.TokenService.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefresh) {
			apiclient.ErrInvalidCredentials.WriteError(w)
			return
		}
		log.Error("refresh failed", "err", err)
		apiclient.ErrServerError.WriteError(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.RefreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int(pair.ExpiresIn.Seconds()),
	})
}

// HandleLogout handles POST /v1/auth/logout. Revoking an unknown token is
// deliberately indistinguishable from revoking a live one.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req apiclient.LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	if err := h.TokenService.Revoke(ctx, req.RefreshToken); err != nil {
		log.Error("logout failed", "err", err)
		apiclient.ErrServerError.WriteError(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleChangePassword handles POST /v1/auth/password. Success revokes
// every outstanding refresh token, so other devices must sign in again.
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromContext(ctx)
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	var req apiclient.ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.CurrentPassword == "" || req.NewPassword == "" {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	if err := h.UserService.ChangePassword(ctx, userID, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			apiclient.ErrInvalidCredentials.WriteError(w)
		case errors.Is(err, service.ErrWeakPassword):
			apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidRequest,
				"new password does not meet the minimum length").WriteError(w)
		default:
			log.Error("password change failed", "user_id", userID, "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.MessageResponse{Message: "password changed"})
}

// HandleValidate handles GET /v1/auth/validate. AuthnMiddleware has already
// verified the token; this just echoes the subject.
func (h *AuthHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFromContext(r.Context())
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.ValidateResponse{
		Valid:  true,
		UserID: userID,
	})
}
