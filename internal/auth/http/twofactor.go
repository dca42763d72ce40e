package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/propstake/propstake/internal/auth/service"
	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/apiclient"
	"github.com/propstake/propstake/pkg/httpx"
	"github.com/propstake/propstake/pkg/slogx"
)

// TwoFactorHandler serves the 2FA lifecycle endpoints.
type TwoFactorHandler struct {
	TwoFactorService *service.TwoFactorService
}

// HandleSetup handles POST /v1/2fa/setup.
func (h *TwoFactorHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromContext(ctx)
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	setup, err := h.TwoFactorService.Setup(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTwoFactorAlreadyEnabled):
			apiclient.NewAPIError(http.StatusBadRequest, "two_factor_already_enabled",
				"two-factor authentication is already enabled").WriteError(w)
		case errors.Is(err, service.ErrMissingEmail):
			apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidRequest,
				"account has no email address to enroll with").WriteError(w)
		default:
			log.Error("2FA setup failed", "user_id", userID, "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.TwoFactorSetupResponse{
		Secret:         setup.Secret,
		OTPAuthURL:     setup.OTPAuthURL,
		QRCode:         setup.QRCode,
		ManualEntryKey: setup.ManualEntryKey,
	})
}

// HandleVerify handles POST /v1/2fa/verify. Success enables 2FA and returns
// the one-time backup codes.
func (h *TwoFactorHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromContext(ctx)
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	var req apiclient.TwoFactorVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	codes, err := h.TwoFactorService.Verify(ctx, userID, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMalformedTOTPCode):
			apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidCode,
				"verification code must be 6 digits").WriteError(w)
		case errors.Is(err, service.ErrInvalidTOTPCode):
			apiclient.ErrInvalidCode.WriteError(w)
		case errors.Is(err, service.ErrTwoFactorNotSetUp):
			apiclient.NewAPIError(http.StatusBadRequest, "two_factor_not_set_up",
				"call setup before verifying").WriteError(w)
		case errors.Is(err, service.ErrTwoFactorAlreadyEnabled):
			apiclient.NewAPIError(http.StatusBadRequest, "two_factor_already_enabled",
				"two-factor authentication is already enabled").WriteError(w)
		default:
			log.Error("2FA verify failed", "user_id", userID, "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.BackupCodesResponse{BackupCodes: codes})
}

// HandleDisable handles POST /v1/2fa/disable.
func (h *TwoFactorHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromContext(ctx)
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	var req apiclient.TwoFactorDisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}
	if req.Password == "" {
		apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidRequest,
			"password is required to disable two-factor authentication").WriteError(w)
		return
	}

	if err := h.TwoFactorService.Disable(ctx, userID, req.Password, req.Token); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			apiclient.ErrInvalidCredentials.WriteError(w)
		case errors.Is(err, service.ErrTwoFactorNotEnabled):
			apiclient.NewAPIError(http.StatusBadRequest, "two_factor_not_enabled",
				"two-factor authentication is not enabled").WriteError(w)
		case errors.Is(err, service.ErrInvalidTOTPCode):
			apiclient.ErrInvalidCode.WriteError(w)
		default:
			log.Error("2FA disable failed", "user_id", userID, "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.MessageResponse{
		Message: "two-factor authentication disabled",
	})
}

// HandleVerifyLogin handles POST /v1/2fa/verify-login, the unauthenticated
// mid-login gate. The caller has passed the password check and must now
// present a TOTP code or a backup code.
func (h *TwoFactorHandler) HandleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req apiclient.TwoFactorVerifyLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}
	if req.UserID == "" || (req.Token == "" && req.BackupCode == "") {
		apiclient.NewAPIError(http.StatusBadRequest, apiclient.ErrorCodeInvalidRequest,
			"user_id and a verification code are required").WriteError(w)
		return
	}

	err := h.TwoFactorService.VerifyLogin(ctx, req.UserID, req.Token, req.BackupCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTOTPCode),
			errors.Is(err, service.ErrInvalidBackupCode):
			apiclient.ErrInvalidCode.WriteError(w)
		case errors.Is(err, service.ErrTwoFactorNotEnabled):
			apiclient.NewAPIError(http.StatusBadRequest, "two_factor_not_enabled",
				"two-factor authentication is not enabled").WriteError(w)
		case errors.Is(err, service.ErrTooManyAttempts):
			apiclient.ErrTooManyAttempts.WriteError(w)
		case errors.Is(err, store.ErrNotFound):
			// Unknown user ids get the generic failure, not an existence oracle.
			apiclient.ErrInvalidCode.WriteError(w)
		default:
			log.Error("2FA login verification failed", "user_id", req.UserID, "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.TwoFactorVerifyLoginResponse{Verified: true})
}

// HandleStatus handles GET /v1/2fa/status.
func (h *TwoFactorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromContext(ctx)
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	status, err := h.TwoFactorService.Status(ctx, userID)
	if err != nil {
		log.Error("2FA status failed", "user_id", userID, "err", err)
		apiclient.ErrServerError.WriteError(w)
		return
	}

	resp := apiclient.TwoFactorStatusResponse{
		Enabled:              status.Enabled,
		BackupCodesRemaining: status.BackupCodesRemaining,
	}
	if status.SetupAt != nil {
		resp.SetupAt = status.SetupAt.UTC().Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleRegenerateBackupCodes handles POST /v1/2fa/backup-codes.
func (h *TwoFactorHandler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromContext(ctx)
	if userID == "" {
		apiclient.ErrInvalidToken.WriteError(w)
		return
	}

	var req apiclient.RegenerateBackupCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		apiclient.ErrInvalidRequest.WriteError(w)
		return
	}

	codes, err := h.TwoFactorService.RegenerateBackupCodes(ctx, userID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			apiclient.ErrInvalidCredentials.WriteError(w)
		case errors.Is(err, service.ErrTwoFactorNotEnabled):
			apiclient.NewAPIError(http.StatusBadRequest, "two_factor_not_enabled",
				"two-factor authentication is not enabled").WriteError(w)
		default:
			log.Error("backup code regeneration failed", "user_id", userID, "err", err)
			apiclient.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, apiclient.BackupCodesResponse{BackupCodes: codes})
}
