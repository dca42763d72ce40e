package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/propstake/propstake/internal/auth/domain"
	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/backupcode"
	"github.com/propstake/propstake/pkg/cryptox"
	"github.com/propstake/propstake/pkg/jwtx"
	"github.com/stretchr/testify/require"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func newTestTwoFactorService(t *testing.T) (*TwoFactorService, *UserService, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t)
	svc := &TwoFactorService{
		Store:  st,
		Issuer: "PropStake",
		Now:    func() time.Time { return now },
	}
	users := &UserService{Store: st}
	return svc, users, &now
}

// codeAt computes the TOTP code the authenticator app would show at tm.
func codeAt(t *testing.T, secret string, tm time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, tm, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func enrollUser(t *testing.T, svc *TwoFactorService, users *UserService) (domain.User, string, []string) {
	t.Helper()
	ctx := context.Background()

	u := registerUser(t, users)

	setup, err := svc.Setup(ctx, u.ID)
	require.NoError(t, err)

	codes, err := svc.Verify(ctx, u.ID, codeAt(t, setup.Secret, svc.now()))
	require.NoError(t, err)
	return u, setup.Secret, codes
}

func TestTwoFactorSetup(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestTwoFactorService(t)
	u := registerUser(t, users)

	setup, err := svc.Setup(ctx, u.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(setup.Secret), 32) // 20 bytes base32-encoded
	require.Contains(t, setup.OTPAuthURL, "otpauth://totp/")
	require.Contains(t, setup.OTPAuthURL, "PropStake")
	require.True(t, strings.HasPrefix(setup.QRCode, "data:image/png;base64,"))
	require.Equal(t, setup.Secret, strings.ReplaceAll(setup.ManualEntryKey, " ", ""))

	// Setup stores the secret but does not enable 2FA.
	status, err := svc.Status(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, status.Enabled)

	// Calling Setup again replaces the pending secret.
	second, err := svc.Setup(ctx, u.ID)
	require.NoError(t, err)
	require.NotEqual(t, setup.Secret, second.Secret)
}

func TestTwoFactorVerifyEnables(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestTwoFactorService(t)
	u := registerUser(t, users)

	setup, err := svc.Setup(ctx, u.ID)
	require.NoError(t, err)

	t.Run("rejects malformed codes", func(t *testing.T) {
		for _, code := range []string{"", "12345", "1234567", "12345a"} {
			_, err := svc.Verify(ctx, u.ID, code)
			require.ErrorIs(t, err, ErrMalformedTOTPCode)
		}
	})

	t.Run("wrong code does not enable", func(t *testing.T) {
		_, err := svc.Verify(ctx, u.ID, "000000")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)

		status, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.False(t, status.Enabled)
	})

	t.Run("valid code enables and returns backup codes", func(t *testing.T) {
		codes, err := svc.Verify(ctx, u.ID, codeAt(t, setup.Secret, svc.now()))
		require.NoError(t, err)
		require.Len(t, codes, backupcode.DefaultCount)

		seen := map[string]struct{}{}
		for _, c := range codes {
			require.Len(t, c, backupcode.CodeLength)
			seen[c] = struct{}{}
		}
		require.Len(t, seen, backupcode.DefaultCount)

		status, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, status.Enabled)
		require.NotNil(t, status.SetupAt)
		require.Equal(t, backupcode.DefaultCount, status.BackupCodesRemaining)
	})

	t.Run("second verify is rejected", func(t *testing.T) {
		_, err := svc.Verify(ctx, u.ID, codeAt(t, setup.Secret, svc.now()))
		require.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)
	})

	t.Run("setup is rejected once enabled", func(t *testing.T) {
		_, err := svc.Setup(ctx, u.ID)
		require.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)
	})
}

func TestTwoFactorVerifyWithoutSetup(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestTwoFactorService(t)
	u := registerUser(t, users)

	_, err := svc.Verify(ctx, u.ID, "123456")
	require.ErrorIs(t, err, ErrTwoFactorNotSetUp)
}

// TestTwoFactorClockDrift pins the validation clock and checks codes
// generated at various offsets. Codes are accepted from two 30-second
// windows either side of the current one, so acceptance depends on which
// window the offset lands in, not the raw second count.
func TestTwoFactorClockDrift(t *testing.T) {
	ctx := context.Background()
	svc, users, now := newTestTwoFactorService(t)
	u, secret, _ := enrollUser(t, svc, users)

	t.Run("validated at a window start", func(t *testing.T) {
		// 12:00:00 is a window boundary. A code from 59s ago sits two
		// windows back and passes; one from 61s ago is three back and
		// fails.
		*now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, now.Add(-59*time.Second)), ""))
		require.NoError(t, svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, now.Add(59*time.Second)), ""))

		err := svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, now.Add(-61*time.Second)), "")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)
	})

	t.Run("validated at a window end", func(t *testing.T) {
		// 12:05:29 is the last second of its window. A code from 61s
		// ahead lands three windows forward and fails; 59s ahead stays
		// within the skew.
		*now = time.Date(2026, 3, 1, 12, 5, 29, 0, time.UTC)

		require.NoError(t, svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, now.Add(59*time.Second)), ""))

		err := svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, now.Add(61*time.Second)), "")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)
	})
}

func TestTwoFactorVerifyLoginBackupCodes(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestTwoFactorService(t)
	u, _, codes := enrollUser(t, svc, users)

	t.Run("redeems exactly once", func(t *testing.T) {
		require.NoError(t, svc.VerifyLogin(ctx, u.ID, "", codes[0]))

		err := svc.VerifyLogin(ctx, u.ID, "", codes[0])
		require.ErrorIs(t, err, ErrInvalidBackupCode)

		status, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, backupcode.DefaultCount-1, status.BackupCodesRemaining)

		// The store reports a second delete of the same code, so redemption
		// stands on the delete itself rather than on the earlier lookup.
		hash := cryptox.FingerprintToken(backupcode.Normalize(codes[0]))
		err = svc.Store.BackupCodes().DeleteBackupCode(ctx, u.ID, hash)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("accepts lowercase and separators", func(t *testing.T) {
		messy := strings.ToLower(codes[1][:5]) + "-" + codes[1][5:]
		require.NoError(t, svc.VerifyLogin(ctx, u.ID, "", messy))
	})

	t.Run("rejects unknown code without consuming anything", func(t *testing.T) {
		before, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)

		err = svc.VerifyLogin(ctx, u.ID, "", "AAAAAAAAAA")
		require.ErrorIs(t, err, ErrInvalidBackupCode)

		after, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, before.BackupCodesRemaining, after.BackupCodesRemaining)
	})
}

func TestTwoFactorVerifyLoginAttemptCap(t *testing.T) {
	ctx := context.Background()
	svc, users, now := newTestTwoFactorService(t)
	u, secret, codes := enrollUser(t, svc, users)

	for i := range MaxVerifyAttempts {
		err := svc.VerifyLogin(ctx, u.ID, "000000", "")
		if i == MaxVerifyAttempts-1 {
			require.ErrorIs(t, err, ErrTooManyAttempts)
		} else {
			require.ErrorIs(t, err, ErrInvalidTOTPCode)
		}
	}

	// Even valid factors are refused once the cap is hit.
	err := svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, *now), "")
	require.ErrorIs(t, err, ErrTooManyAttempts)
	err = svc.VerifyLogin(ctx, u.ID, "", codes[0])
	require.ErrorIs(t, err, ErrTooManyAttempts)
}

// TestTwoFactorVerifyLoginLockoutExpires drives the attempt counter to the
// cap and checks that the lockout wears off on its own instead of holding
// the second factor hostage until re-enrollment.
func TestTwoFactorVerifyLoginLockoutExpires(t *testing.T) {
	ctx := context.Background()
	svc, users, now := newTestTwoFactorService(t)
	u, secret, codes := enrollUser(t, svc, users)

	for range MaxVerifyAttempts {
		_ = svc.VerifyLogin(ctx, u.ID, "000000", "")
	}

	t.Run("valid factors are refused while locked", func(t *testing.T) {
		*now = now.Add(VerifyLockoutDuration - time.Minute)

		err := svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, *now), "")
		require.ErrorIs(t, err, ErrTooManyAttempts)
		err = svc.VerifyLogin(ctx, u.ID, "", codes[0])
		require.ErrorIs(t, err, ErrTooManyAttempts)
	})

	t.Run("a correct code recovers after expiry", func(t *testing.T) {
		*now = now.Add(2 * time.Minute)
		require.NoError(t, svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, *now), ""))

		// The counter is back to zero, so an isolated failure is a plain
		// rejection again, not a fresh lockout.
		err := svc.VerifyLogin(ctx, u.ID, "000000", "")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)
	})

	t.Run("a backup code recovers after expiry too", func(t *testing.T) {
		for range MaxVerifyAttempts {
			_ = svc.VerifyLogin(ctx, u.ID, "000000", "")
		}
		err := svc.VerifyLogin(ctx, u.ID, "", codes[0])
		require.ErrorIs(t, err, ErrTooManyAttempts)

		*now = now.Add(VerifyLockoutDuration + time.Minute)
		require.NoError(t, svc.VerifyLogin(ctx, u.ID, "", codes[0]))
	})
}

func TestTwoFactorVerifyLoginResetsAttempts(t *testing.T) {
	ctx := context.Background()
	svc, users, now := newTestTwoFactorService(t)
	u, secret, _ := enrollUser(t, svc, users)

	for range MaxVerifyAttempts - 1 {
		err := svc.VerifyLogin(ctx, u.ID, "000000", "")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)
	}

	require.NoError(t, svc.VerifyLogin(ctx, u.ID, codeAt(t, secret, *now), ""))

	// The counter is back to zero, so a fresh run of failures is allowed.
	err := svc.VerifyLogin(ctx, u.ID, "000000", "")
	require.ErrorIs(t, err, ErrInvalidTOTPCode)
}

func TestTwoFactorVerifyLoginRequiresEnrollment(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestTwoFactorService(t)
	u := registerUser(t, users)

	err := svc.VerifyLogin(ctx, u.ID, "123456", "")
	require.ErrorIs(t, err, ErrTwoFactorNotEnabled)

	_, err = svc.RegenerateBackupCodes(ctx, u.ID, "correct horse battery")
	require.ErrorIs(t, err, ErrTwoFactorNotEnabled)

	err = svc.Disable(ctx, u.ID, "correct horse battery", "")
	require.ErrorIs(t, err, ErrTwoFactorNotEnabled)
}

func TestTwoFactorDisable(t *testing.T) {
	ctx := context.Background()
	svc, users, now := newTestTwoFactorService(t)
	u, secret, _ := enrollUser(t, svc, users)

	key, err := jwtx.GenerateEdDSAKey("test-issuer")
	require.NoError(t, err)
	tokens := &TokenService{
		Signer:     key,
		Verifier:   key,
		Store:      svc.Store,
		Issuer:     "test-issuer",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}
	pair, err := tokens.Issue(ctx, u, []string{jwtx.AMRPassword, jwtx.AMRMFA})
	require.NoError(t, err)

	t.Run("wrong password keeps 2FA on", func(t *testing.T) {
		err := svc.Disable(ctx, u.ID, "wrong password", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)

		status, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, status.Enabled)
	})

	t.Run("supplied code must be valid", func(t *testing.T) {
		err := svc.Disable(ctx, u.ID, "correct horse battery", "000000")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)

		status, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, status.Enabled)
	})

	t.Run("valid password disables and revokes sessions", func(t *testing.T) {
		require.NoError(t, svc.Disable(ctx, u.ID, "correct horse battery", codeAt(t, secret, *now)))

		status, err := svc.Status(ctx, u.ID)
		require.NoError(t, err)
		require.False(t, status.Enabled)
		require.Nil(t, status.SetupAt)

		// Outstanding refresh tokens no longer work.
		_, err = tokens.Refresh(ctx, pair.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefresh)
	})

	t.Run("re-enrollment issues a fresh secret", func(t *testing.T) {
		setup, err := svc.Setup(ctx, u.ID)
		require.NoError(t, err)
		require.NotEqual(t, secret, setup.Secret)

		// The old secret's codes are useless against the new secret.
		_, err = svc.Verify(ctx, u.ID, codeAt(t, secret, *now))
		require.ErrorIs(t, err, ErrInvalidTOTPCode)

		_, err = svc.Verify(ctx, u.ID, codeAt(t, setup.Secret, *now))
		require.NoError(t, err)
	})
}

func TestTwoFactorRegenerateBackupCodes(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestTwoFactorService(t)
	u, _, oldCodes := enrollUser(t, svc, users)

	t.Run("requires the account password", func(t *testing.T) {
		_, err := svc.RegenerateBackupCodes(ctx, u.ID, "wrong password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("replaces the full set", func(t *testing.T) {
		newCodes, err := svc.RegenerateBackupCodes(ctx, u.ID, "correct horse battery")
		require.NoError(t, err)
		require.Len(t, newCodes, backupcode.DefaultCount)
		require.NotElementsMatch(t, oldCodes, newCodes)

		// Old codes are dead, new ones work.
		err = svc.VerifyLogin(ctx, u.ID, "", oldCodes[0])
		require.ErrorIs(t, err, ErrInvalidBackupCode)
		require.NoError(t, svc.VerifyLogin(ctx, u.ID, "", newCodes[0]))
	})
}
