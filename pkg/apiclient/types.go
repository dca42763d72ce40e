package apiclient

// Request and response bodies shared by the server handlers and the SDK.
// Keeping them in one package guarantees the two sides never drift.

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RegisterRequest is the body for POST /v1/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// RegisterResponse is the response for POST /v1/auth/register.
type RegisterResponse struct {
	UserID string `json:"user_id"`
}

// LoginRequest is the body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the response for POST /v1/auth/login. When the account
// has 2FA enabled TwoFactorRequired is true and the caller must complete
// POST /v1/2fa/verify-login before treating the session as fully
// authenticated.
type LoginResponse struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresIn         int    `json:"expires_in"`
	UserID            string `json:"user_id"`
	TwoFactorRequired bool   `json:"two_factor_required"`
}

// RefreshRequest is the body for POST /v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is the response for POST /v1/auth/refresh. A new refresh
// token is always issued; the presented one stops working.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// LogoutRequest is the body for POST /v1/auth/logout.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ChangePasswordRequest is the body for POST /v1/auth/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ValidateResponse is the response for GET /v1/auth/validate.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
}

// TwoFactorSetupResponse is the response for POST /v1/2fa/setup. The secret
// and QR code are shown exactly once.
type TwoFactorSetupResponse struct {
	Secret         string `json:"secret"`
	OTPAuthURL     string `json:"otpauth_url"`
	QRCode         string `json:"qr_code"`
	ManualEntryKey string `json:"manual_entry_key"`
}

// TwoFactorVerifyRequest is the body for POST /v1/2fa/verify.
type TwoFactorVerifyRequest struct {
	Token string `json:"token"`
}

// BackupCodesResponse carries freshly generated backup codes. They are
// returned exactly once and never retrievable again.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// TwoFactorDisableRequest is the body for POST /v1/2fa/disable. The
// password is required; the TOTP token is optional but validated when
// present.
type TwoFactorDisableRequest struct {
	Password string `json:"password"`
	Token    string `json:"token,omitempty"`
}

// TwoFactorVerifyLoginRequest is the body for POST /v1/2fa/verify-login.
// Exactly one of Token or BackupCode should be set; a backup code takes
// precedence when both are present.
type TwoFactorVerifyLoginRequest struct {
	UserID     string `json:"user_id"`
	Token      string `json:"token,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

// TwoFactorVerifyLoginResponse is the response for POST /v1/2fa/verify-login.
type TwoFactorVerifyLoginResponse struct {
	Verified bool `json:"verified"`
}

// TwoFactorStatusResponse is the response for GET /v1/2fa/status.
type TwoFactorStatusResponse struct {
	Enabled              bool   `json:"enabled"`
	SetupAt              string `json:"setup_at,omitempty"`
	BackupCodesRemaining int    `json:"backup_codes_remaining"`
}

// RegenerateBackupCodesRequest is the body for POST /v1/2fa/backup-codes.
type RegenerateBackupCodesRequest struct {
	Password string `json:"password"`
}

// MessageResponse is a generic acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthChecks reports the state of critical dependencies.
type HealthChecks struct {
	Database string `json:"database,omitempty"`
	Signer   string `json:"signer,omitempty"`
}

// HealthResponse is returned by /livez and /readyz.
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *HealthChecks `json:"checks,omitempty"`
}
