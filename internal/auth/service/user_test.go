package service

import (
	"context"
	"testing"
	"time"

	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/internal/auth/store/drivers/sqlite"
	"github.com/propstake/propstake/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func TestUserServiceRegister(t *testing.T) {
	ctx := context.Background()
	svc := &UserService{Store: newTestStore(t)}

	t.Run("creates user with hashed password", func(t *testing.T) {
		u, err := svc.Register(ctx, "alice@example.com", "Alice", "correct horse battery")
		require.NoError(t, err)
		require.NotEmpty(t, u.ID)
		require.Equal(t, "alice@example.com", u.Email)
		require.NotEqual(t, "correct horse battery", u.PasswordHash)
	})

	t.Run("normalizes email case", func(t *testing.T) {
		u, err := svc.Register(ctx, "  Bob@Example.COM ", "Bob", "another password")
		require.NoError(t, err)
		require.Equal(t, "bob@example.com", u.Email)
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		_, err := svc.Register(ctx, "alice@example.com", "Alice Again", "some password")
		require.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("rejects malformed email", func(t *testing.T) {
		_, err := svc.Register(ctx, "not-an-email", "Eve", "some password")
		require.ErrorIs(t, err, ErrInvalidEmail)
	})

	t.Run("rejects short password", func(t *testing.T) {
		_, err := svc.Register(ctx, "carol@example.com", "Carol", "short")
		require.ErrorIs(t, err, ErrWeakPassword)
	})
}

func TestUserServiceAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := &UserService{Store: newTestStore(t)}

	registered, err := svc.Register(ctx, "alice@example.com", "Alice", "correct horse battery")
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		u, err := svc.Authenticate(ctx, "alice@example.com", "correct horse battery")
		require.NoError(t, err)
		require.Equal(t, registered.ID, u.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "alice@example.com", "wrong password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "nobody@example.com", "whatever password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestUserServiceLockout(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &UserService{
		Store: newTestStore(t),
		Now:   func() time.Time { return now },
	}

	_, err := svc.Register(ctx, "alice@example.com", "Alice", "correct horse battery")
	require.NoError(t, err)

	for range MaxFailedLogins {
		_, err := svc.Authenticate(ctx, "alice@example.com", "wrong password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Even the right password is refused while locked.
	_, err = svc.Authenticate(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrAccountLocked)

	// After the lockout window passes the account works again and the
	// counter is reset.
	now = now.Add(LockoutDuration + time.Second)
	u, err := svc.Authenticate(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	u, err = svc.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Zero(t, u.FailedLogins)
	require.Nil(t, u.LockedUntil)
}

func TestUserServiceChangePassword(t *testing.T) {
	ctx := context.Background()
	svc := &UserService{Store: newTestStore(t)}

	u, err := svc.Register(ctx, "alice@example.com", "Alice", "correct horse battery")
	require.NoError(t, err)

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
	pair, err := tokens.Issue(ctx, u, []string{jwtx.AMRPassword})
	require.NoError(t, err)

	t.Run("wrong current password", func(t *testing.T) {
		err := svc.ChangePassword(ctx, u.ID, "not the password", "a new password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("short replacement rejected", func(t *testing.T) {
		err := svc.ChangePassword(ctx, u.ID, "correct horse battery", "tiny")
		require.ErrorIs(t, err, ErrWeakPassword)
	})

	t.Run("success swaps the password and revokes sessions", func(t *testing.T) {
		require.NoError(t, svc.ChangePassword(ctx, u.ID, "correct horse battery", "staple battery horse"))

		_, err := svc.Authenticate(ctx, "alice@example.com", "correct horse battery")
		require.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = svc.Authenticate(ctx, "alice@example.com", "staple battery horse")
		require.NoError(t, err)

		_, err = tokens.Refresh(ctx, pair.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefresh)
	})
}
