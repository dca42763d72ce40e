package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/propstake/propstake/internal/auth/domain"
	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/backupcode"
	"github.com/propstake/propstake/pkg/cryptox"
	"github.com/propstake/propstake/pkg/slogx"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod     = 30 // seconds per TOTP window
	totpSkew       = 2  // accepted windows either side of now
	totpSecretSize = 20 // bytes of secret entropy, 160 bits per RFC 4226

	// MaxVerifyAttempts is the number of failed second-factor attempts
	// allowed before verification is temporarily refused.
	MaxVerifyAttempts = 5

	// VerifyLockoutDuration is how long login-time verification stays
	// refused after too many failed attempts.
	VerifyLockoutDuration = 15 * time.Minute

	qrCodeSize = 256
)

var (
	ErrInvalidTOTPCode         = errors.New("invalid_totp_code")
	ErrMalformedTOTPCode       = errors.New("malformed_totp_code")
	ErrInvalidBackupCode       = errors.New("invalid_backup_code")
	ErrTwoFactorNotEnabled     = errors.New("two_factor_not_enabled")
	ErrTwoFactorAlreadyEnabled = errors.New("two_factor_already_enabled")
	ErrTwoFactorNotSetUp       = errors.New("two_factor_not_set_up")
	ErrTooManyAttempts         = errors.New("too_many_attempts")
	ErrMissingEmail            = errors.New("missing_email")
)

type TwoFactorService struct {
	Store  store.Store
	Issuer string // Issuer name shown in authenticator apps (e.g. "PropStake")

	// Now is injectable so tests can pin verification to a known TOTP window.
	Now func() time.Time
}

func (s *TwoFactorService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Setup generates a TOTP secret for the user and returns it with a QR code.
// This does NOT enable 2FA yet, the user must verify a code first. Calling
// Setup again before verification replaces the pending secret.
func (s *TwoFactorService) Setup(ctx context.Context, userID string) (domain.TwoFactorSetup, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.TwoFactorSetup{}, fmt.Errorf("failed to get user: %w", err)
	}
	if u.TwoFactorEnabled() {
		return domain.TwoFactorSetup{}, ErrTwoFactorAlreadyEnabled
	}
	if u.Email == "" {
		return domain.TwoFactorSetup{}, ErrMissingEmail
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: u.Email,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.TwoFactorSetup{}, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	// Store the secret but don't enable 2FA yet
	if err := s.Store.Users().SetTwoFactorSecret(ctx, userID, key.Secret()); err != nil {
		return domain.TwoFactorSetup{}, fmt.Errorf("failed to store 2FA secret: %w", err)
	}

	qr, err := renderQRCode(key)
	if err != nil {
		return domain.TwoFactorSetup{}, fmt.Errorf("failed to render QR code: %w", err)
	}

	return domain.TwoFactorSetup{
		Secret:         key.Secret(),
		OTPAuthURL:     key.URL(),
		QRCode:         qr,
		ManualEntryKey: groupSecret(key.Secret()),
	}, nil
}

// Verify checks a TOTP code against the pending secret and, if valid,
// enables 2FA and returns freshly generated backup codes. The codes are
// only ever returned here; the database keeps fingerprints.
func (s *TwoFactorService) Verify(ctx context.Context, userID string, code string) ([]string, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if u.TwoFactorSecret == nil || *u.TwoFactorSecret == "" {
		return nil, ErrTwoFactorNotSetUp
	}
	if u.TwoFactorEnabled() {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	if !isSixDigits(strings.TrimSpace(code)) {
		return nil, ErrMalformedTOTPCode
	}
	if !s.validTOTP(code, *u.TwoFactorSecret) {
		return nil, ErrInvalidTOTPCode
	}

	codes, err := backupcode.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	now := s.now().UTC()

	// Store backup codes and enable 2FA in one transaction
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		for _, c := range codes {
			hash := cryptox.FingerprintToken(backupcode.Normalize(c))
			if err := tx.BackupCodes().CreateBackupCode(ctx, userID, hash); err != nil {
				return fmt.Errorf("failed to store backup code: %w", err)
			}
		}
		return tx.Users().EnableTwoFactor(ctx, userID, now)
	})
	if err != nil {
		return nil, err
	}

	return codes, nil
}

// VerifyLogin performs the second-factor check during sign-in. Exactly one
// of totpCode or backupCode should be supplied. A redeemed backup code is
// deleted in the same transaction that accepts it, so it can never be used
// twice. Repeated failures trip a temporary lockout.
func (s *TwoFactorService) VerifyLogin(ctx context.Context, userID string, totpCode, backupCode string) error {
	l := slogx.FromContext(ctx)

	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if !u.TwoFactorEnabled() || u.TwoFactorSecret == nil {
		return ErrTwoFactorNotEnabled
	}

	if u.TwoFactorLocked(s.now()) {
		l.Warn("second factor verification locked", slog.String("user_id", userID))
		return ErrTooManyAttempts
	}

	// A supplied backup code takes precedence over a TOTP code.
	switch {
	case backupCode != "":
		hash := cryptox.FingerprintToken(backupcode.Normalize(backupCode))
		redeemed := false
		err := s.Store.WithTx(ctx, func(tx store.Tx) error {
			ok, err := tx.BackupCodes().VerifyBackupCode(ctx, userID, hash)
			if err != nil || !ok {
				return err
			}
			// The delete is the authoritative redemption: a concurrent
			// attempt on the same code loses here and is not accepted.
			switch err := tx.BackupCodes().DeleteBackupCode(ctx, userID, hash); {
			case errors.Is(err, store.ErrNotFound):
				return nil
			case err != nil:
				return err
			}
			redeemed = true
			return nil
		})
		if err != nil {
			return err
		}
		if !redeemed {
			return s.recordFailure(ctx, u, ErrInvalidBackupCode)
		}
		l.Info("backup code redeemed", slog.String("user_id", userID))

	case totpCode != "":
		if !s.validTOTP(totpCode, *u.TwoFactorSecret) {
			return s.recordFailure(ctx, u, ErrInvalidTOTPCode)
		}

	default:
		return ErrInvalidTOTPCode
	}

	if u.TwoFactorAttempts > 0 {
		if err := s.Store.Users().ResetTwoFactorAttempts(ctx, userID); err != nil {
			l.Error("failed to reset 2FA attempts", slog.Any("error", err))
		}
	}

	return nil
}

// Disable turns 2FA off after re-verifying the account password. When a
// TOTP code is supplied it must also be valid. All backup codes are purged
// and the secret cleared atomically; outstanding sessions are revoked.
func (s *TwoFactorService) Disable(ctx context.Context, userID string, password, totpCode string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	if err := cryptox.VerifyPassword(password, u.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}
	if !u.TwoFactorEnabled() || u.TwoFactorSecret == nil {
		return ErrTwoFactorNotEnabled
	}
	if totpCode != "" && !s.validTOTP(totpCode, *u.TwoFactorSecret) {
		return ErrInvalidTOTPCode
	}

	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAllBackupCodes(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
		if err := tx.Users().DisableTwoFactor(ctx, userID); err != nil {
			return fmt.Errorf("failed to disable 2FA: %w", err)
		}
		// Outstanding sessions were minted under the stronger factor; drop them.
		return tx.RefreshTokens().RevokeAllUserRefreshTokens(ctx, userID)
	})
}

// RegenerateBackupCodes replaces the user's backup codes after re-verifying
// the account password. Previously issued codes stop working immediately.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string, password string) ([]string, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if err := cryptox.VerifyPassword(password, u.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.TwoFactorEnabled() {
		return nil, ErrTwoFactorNotEnabled
	}

	codes, err := backupcode.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAllBackupCodes(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete old backup codes: %w", err)
		}
		for _, c := range codes {
			hash := cryptox.FingerprintToken(backupcode.Normalize(c))
			if err := tx.BackupCodes().CreateBackupCode(ctx, userID, hash); err != nil {
				return fmt.Errorf("failed to store backup code: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return codes, nil
}

// Status reports whether 2FA is enabled and how many backup codes remain.
func (s *TwoFactorService) Status(ctx context.Context, userID string) (domain.TwoFactorStatus, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.TwoFactorStatus{}, err
	}

	st := domain.TwoFactorStatus{
		Enabled: u.TwoFactorEnabled(),
		SetupAt: u.TwoFactorEnabledAt,
	}
	if st.Enabled {
		remaining, err := s.Store.BackupCodes().CountUserBackupCodes(ctx, userID)
		if err != nil {
			return domain.TwoFactorStatus{}, err
		}
		st.BackupCodesRemaining = remaining
	}
	return st, nil
}

func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// validTOTP checks a TOTP code against the secret allowing clock drift of
// totpSkew windows either side of the current one.
func (s *TwoFactorService) validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// recordFailure bumps the attempt counter and, at the threshold, sets the
// lockout deadline. The lockout expires on its own; a later successful
// verification clears the counter again.
func (s *TwoFactorService) recordFailure(ctx context.Context, u domain.User, cause error) error {
	l := slogx.FromContext(ctx)

	var lockedUntil *time.Time
	if u.TwoFactorAttempts+1 >= MaxVerifyAttempts {
		t := s.now().Add(VerifyLockoutDuration)
		lockedUntil = &t
		l.Warn("second factor locked after repeated failures", slog.String("user_id", u.ID))
	}
	if err := s.Store.Users().RecordTwoFactorFailure(ctx, u.ID, lockedUntil); err != nil {
		l.Error("failed to record 2FA failure", slog.Any("error", err))
	}
	if lockedUntil != nil {
		return ErrTooManyAttempts
	}
	return cause
}

// renderQRCode encodes the provisioning URI as a PNG data URL suitable for
// an <img> tag.
func renderQRCode(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// groupSecret splits a base32 secret into blocks of four for manual entry.
func groupSecret(secret string) string {
	var b strings.Builder
	for i, r := range secret {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
