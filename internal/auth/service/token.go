package service

import (
	"context"
	"errors"
	"time"

	"github.com/propstake/propstake/internal/auth/domain"
	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/cryptox"
	"github.com/propstake/propstake/pkg/idx"
	"github.com/propstake/propstake/pkg/jwtx"
)

var (
	ErrInvalidRefresh = errors.New("invalid_refresh_token")
	ErrInvalidAccess  = errors.New("invalid_access_token")
)

type TokenService struct {
	Signer     jwtx.Signer
	Verifier   jwtx.Verifier
	Store      store.Store
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Now func() time.Time
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs a new access token and persists a fresh refresh token for the
// user. The opaque refresh token is only ever returned to the caller; the
// database stores its fingerprint.
func (s *TokenService) Issue(ctx context.Context, u domain.User, amr []string) (*domain.TokenPair, error) {
	now := s.now()

	accessToken, err := s.signAccess(u, amr, now)
	if err != nil {
		return nil, err
	}

	refreshOpaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}

	rt := domain.RefreshToken{
		ID:        idx.New().String(),
		UserID:    u.ID,
		TokenHash: cryptox.FingerprintToken(refreshOpaque),
		ExpiresAt: now.Add(s.RefreshTTL),
		Revoked:   false,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}

	if err := s.Store.RefreshTokens().CreateRefreshToken(ctx, rt); err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		ExpiresIn:    s.AccessTTL,
	}, nil
}

// Refresh exchanges a valid refresh token for a new token pair. The old
// refresh token is revoked and the replacement is stored in the same
// transaction, so a crash can never leave both usable.
func (s *TokenService) Refresh(ctx context.Context, refreshOpaque string) (*domain.TokenPair, error) {
	now := s.now()

	// 1. Lookup the persisted refresh row by token fingerprint
	fp := cryptox.FingerprintToken(refreshOpaque)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}

	// 2. Validate token is not expired or revoked
	if rt.Revoked {
		return nil, ErrInvalidRefresh
	}
	if now.After(rt.ExpiresAt) {
		return nil, ErrInvalidRefresh
	}

	u, err := s.Store.Users().GetUserByID(ctx, rt.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}

	accessToken, err := s.signAccess(u, []string{jwtx.AMRRefresh}, now)
	if err != nil {
		return nil, err
	}

	// 3. Rotate: revoke the old token and create the new one atomically
	newOpaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}

	newRT := domain.RefreshToken{
		ID:        idx.New().String(),
		UserID:    u.ID,
		TokenHash: cryptox.FingerprintToken(newOpaque),
		ExpiresAt: now.Add(s.RefreshTTL),
		Revoked:   false,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, fp); err != nil {
			return err
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, newRT)
	}); err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newOpaque,
		ExpiresIn:    s.AccessTTL,
	}, nil
}

// Revoke revokes a single refresh token (by its opaque value). Revoking a
// token that was never issued is not an error.
func (s *TokenService) Revoke(ctx context.Context, refreshOpaque string) error {
	fp := cryptox.FingerprintToken(refreshOpaque)
	return s.Store.RefreshTokens().RevokeRefreshToken(ctx, fp)
}

// RevokeAll revokes every outstanding refresh token for a user. Used when
// the account's security posture changes (password reset, 2FA disabled).
func (s *TokenService) RevokeAll(ctx context.Context, userID string) error {
	return s.Store.RefreshTokens().RevokeAllUserRefreshTokens(ctx, userID)
}

// Validate parses and verifies an access token, returning its claims.
func (s *TokenService) Validate(tokenString string) (jwtx.Claims, error) {
	claims, err := s.Verifier.Verify(tokenString)
	if err != nil {
		return jwtx.Claims{}, ErrInvalidAccess
	}
	if err := claims.ValidateExpiry(); err != nil {
		return jwtx.Claims{}, ErrInvalidAccess
	}
	return claims, nil
}

func (s *TokenService) signAccess(u domain.User, amr []string, now time.Time) (string, error) {
	claims := jwtx.NewAccessClaims(u.ID, s.Issuer, u.Email, amr, s.AccessTTL, now)
	return s.Signer.Sign(claims)
}
