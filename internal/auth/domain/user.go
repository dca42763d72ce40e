package domain

import "time"

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string // argon2 encoded

	// TwoFactorSecret holds the base32 TOTP secret from the moment setup is
	// requested; the account only requires a second factor at login once
	// TwoFactorEnabledAt is set.
	TwoFactorSecret    *string
	TwoFactorEnabledAt *time.Time

	// TwoFactorAttempts and TwoFactorLockedUntil implement the temporary
	// lockout on login-time second factor verification.
	TwoFactorAttempts    int
	TwoFactorLockedUntil *time.Time

	// FailedLogins and LockedUntil implement password lockout.
	FailedLogins int
	LockedUntil  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TwoFactorEnabled reports whether the account requires a second factor at
// login. A secret may exist while this is still false (setup pending verify).
func (u User) TwoFactorEnabled() bool {
	return u.TwoFactorEnabledAt != nil
}

// Locked reports whether the account is currently locked out.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// TwoFactorLocked reports whether second factor verification is currently
// refused after repeated failures.
func (u User) TwoFactorLocked(now time.Time) bool {
	return u.TwoFactorLockedUntil != nil && now.Before(*u.TwoFactorLockedUntil)
}
