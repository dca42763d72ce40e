package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/propstake/propstake/internal/auth/domain"
	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/cryptox"
	"github.com/propstake/propstake/pkg/idx"
	"github.com/propstake/propstake/pkg/slogx"
)

const (
	// MaxFailedLogins is the number of consecutive failed password attempts
	// before the account is temporarily locked.
	MaxFailedLogins = 5

	// LockoutDuration is how long an account stays locked after too many
	// failed password attempts.
	LockoutDuration = 15 * time.Minute

	minPasswordLength = 8
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrEmailTaken         = errors.New("email_taken")
	ErrWeakPassword       = errors.New("weak_password")
	ErrInvalidEmail       = errors.New("invalid_email")
	ErrAccountLocked      = errors.New("account_locked")
)

type UserService struct {
	Store store.Store

	// now is injectable for lockout expiry tests.
	Now func() time.Time
}

func (s *UserService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Register creates a new user account with a freshly hashed password.
func (s *UserService) Register(ctx context.Context, email, name, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return domain.User{}, ErrWeakPassword
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	u := domain.User{
		ID:           idx.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.Store.Users().CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, err
	}

	return u, nil
}

// Authenticate verifies an email/password pair. It enforces a temporary
// lockout after repeated failures and resets the failure counter on success.
//
// The caller still has to perform the second factor check when the returned
// user has 2FA enabled; this method only asserts the password.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	l := slogx.FromContext(ctx)
	now := s.now()

	email = strings.ToLower(strings.TrimSpace(email))

	u, err := s.Store.Users().GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn roughly the same time as a real verification so the
			// response time does not leak account existence.
			_ = cryptox.VerifyPassword(password, cryptox.DummyHash)
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}

	if u.Locked(now) {
		l.Info("login attempt on locked account", slog.String("user_id", u.ID))
		return domain.User{}, ErrAccountLocked
	}

	if err := cryptox.VerifyPassword(password, u.PasswordHash); err != nil {
		var lockedUntil *time.Time
		if u.FailedLogins+1 >= MaxFailedLogins {
			t := now.Add(LockoutDuration)
			lockedUntil = &t
			l.Warn("account locked after repeated failed logins", slog.String("user_id", u.ID))
		}
		if err := s.Store.Users().RecordFailedLogin(ctx, u.ID, lockedUntil); err != nil {
			l.Error("failed to record failed login", slog.Any("error", err))
		}
		return domain.User{}, ErrInvalidCredentials
	}

	if u.FailedLogins > 0 || u.LockedUntil != nil {
		if err := s.Store.Users().ResetFailedLogins(ctx, u.ID); err != nil {
			l.Error("failed to reset failed logins", slog.Any("error", err))
		}
	}

	return u, nil
}

// ChangePassword replaces the account password after re-verifying the
// current one. Every outstanding refresh token is revoked in the same
// transaction, so stolen sessions die with the old password.
func (s *UserService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	if err := cryptox.VerifyPassword(currentPassword, u.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	hash, err := cryptox.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().UpdatePasswordHash(ctx, userID, hash); err != nil {
			return fmt.Errorf("failed to update password: %w", err)
		}
		return tx.RefreshTokens().RevokeAllUserRefreshTokens(ctx, userID)
	})
}

// GetUserByID fetches a user by id.
func (s *UserService) GetUserByID(ctx context.Context, userID string) (domain.User, error) {
	return s.Store.Users().GetUserByID(ctx, userID)
}
