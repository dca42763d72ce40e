package store

import (
	"context"
	"errors"
	"time"

	"github.com/propstake/propstake/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite today,
// postgres later) implement this. It exposes sub-repositories to keep
// concerns tidy and testable.
type Store interface {
	Users() Users
	RefreshTokens() RefreshTokens
	BackupCodes() BackupCodes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, rolling back on error and
	// committing on nil. This is the recommended way to run the multi-step
	// operations that must be atomic (refresh rotation, enabling 2FA).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByEmail is used during password login.
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by the app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// UpdatePasswordHash sets the password_hash and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// RecordFailedLogin bumps the failed-login counter and sets the lockout
	// deadline once the threshold is reached.
	RecordFailedLogin(ctx context.Context, userID string, lockedUntil *time.Time) error

	// ResetFailedLogins clears the failed-login counter and lockout.
	ResetFailedLogins(ctx context.Context, userID string) error

	// SetTwoFactorSecret stores a pending TOTP secret without enabling it.
	SetTwoFactorSecret(ctx context.Context, userID string, secret string) error

	// EnableTwoFactor marks 2FA enabled at the given time.
	EnableTwoFactor(ctx context.Context, userID string, at time.Time) error

	// DisableTwoFactor clears the secret, the enablement timestamp and the
	// attempt counter in one statement.
	DisableTwoFactor(ctx context.Context, userID string) error

	// RecordTwoFactorFailure bumps the failed verification counter and sets
	// the verification lockout deadline once the threshold is reached.
	RecordTwoFactorFailure(ctx context.Context, userID string, lockedUntil *time.Time) error

	// ResetTwoFactorAttempts clears the failed verification counter and
	// lockout.
	ResetTwoFactorAttempts(ctx context.Context, userID string) error
}

type RefreshTokens interface {
	// CreateRefreshToken stores a new refresh token record.
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the token record by fingerprint.
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// RevokeRefreshToken flips revoked=1, sets updated_at.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// RevokeAllUserRefreshTokens bulk revocation for a user (e.g. password
	// reset, 2FA disable).
	RevokeAllUserRefreshTokens(ctx context.Context, userID string) error

	// DeleteExpiredRefreshTokens is housekeeping.
	DeleteExpiredRefreshTokens(ctx context.Context) error
}

type BackupCodes interface {
	// CreateBackupCode stores a backup code hash for a user.
	CreateBackupCode(ctx context.Context, userID string, codeHash string) error

	// VerifyBackupCode checks if a backup code hash exists for a user.
	VerifyBackupCode(ctx context.Context, userID string, codeHash string) (bool, error)

	// DeleteBackupCode removes a specific backup code after use. It returns
	// ErrNotFound when the code was already gone, so a redemption that loses
	// a race does not count as redeemed.
	DeleteBackupCode(ctx context.Context, userID string, codeHash string) error

	// DeleteAllBackupCodes removes all backup codes for a user.
	DeleteAllBackupCodes(ctx context.Context, userID string) error

	// CountUserBackupCodes returns the number of unredeemed codes.
	CountUserBackupCodes(ctx context.Context, userID string) (int, error)
}
