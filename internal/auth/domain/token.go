package domain

import "time"

// TokenPair is what the login and refresh endpoints return: the short-lived
// access token (JWT) and the opaque refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// RefreshToken models the stored refresh token record. The opaque value
// itself never hits the database, only its fingerprint.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string // deterministic fingerprint (base64url SHA-256)
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
