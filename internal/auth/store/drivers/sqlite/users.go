package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/propstake/propstake/internal/auth/domain"
	"github.com/propstake/propstake/internal/auth/store"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, email, name, password_hash, two_factor_secret,
	two_factor_enabled_at, two_factor_attempts, two_factor_locked_until,
	failed_logins, locked_until, created_at, updated_at`

func (r *usersRepo) scanUser(row *sql.Row) (domain.User, error) {
	var (
		u            domain.User
		secret       sql.NullString
		enabledAt    sql.NullTime
		tfLockedTill sql.NullTime
		lockedTill   sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &secret,
		&enabledAt, &u.TwoFactorAttempts, &tfLockedTill,
		&u.FailedLogins, &lockedTill,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	u.TwoFactorSecret = mapNullStringPtr(secret)
	u.TwoFactorEnabledAt = mapNullTimePtr(enabledAt)
	u.TwoFactorLockedUntil = mapNullTimePtr(tfLockedTill)
	u.LockedUntil = mapNullTimePtr(lockedTill)
	return u, nil
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return r.scanUser(row)
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return r.scanUser(row)
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, two_factor_secret,
			two_factor_enabled_at, two_factor_attempts, two_factor_locked_until,
			failed_logins, locked_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash,
		mapOptionalString(u.TwoFactorSecret),
		mapOptionalTime(u.TwoFactorEnabledAt),
		u.TwoFactorAttempts,
		mapOptionalTime(u.TwoFactorLockedUntil),
		u.FailedLogins,
		mapOptionalTime(u.LockedUntil),
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID string, newHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, newHash, userID)
	return err
}

func (r *usersRepo) RecordFailedLogin(ctx context.Context, userID string, lockedUntil *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET failed_logins = failed_logins + 1,
			locked_until = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, mapOptionalTime(lockedUntil), userID)
	return err
}

func (r *usersRepo) ResetFailedLogins(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET failed_logins = 0, locked_until = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, userID)
	return err
}

func (r *usersRepo) SetTwoFactorSecret(ctx context.Context, userID string, secret string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET two_factor_secret = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, secret, userID)
	return err
}

func (r *usersRepo) EnableTwoFactor(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET two_factor_enabled_at = ?, two_factor_attempts = 0,
			two_factor_locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, at, userID)
	return err
}

func (r *usersRepo) DisableTwoFactor(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET two_factor_secret = NULL, two_factor_enabled_at = NULL,
			two_factor_attempts = 0, two_factor_locked_until = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, userID)
	return err
}

func (r *usersRepo) RecordTwoFactorFailure(ctx context.Context, userID string, lockedUntil *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET two_factor_attempts = two_factor_attempts + 1,
			two_factor_locked_until = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, mapOptionalTime(lockedUntil), userID)
	return err
}

func (r *usersRepo) ResetTwoFactorAttempts(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET two_factor_attempts = 0, two_factor_locked_until = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, userID)
	return err
}
