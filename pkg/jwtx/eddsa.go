package jwtx

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrAlgMismatch = errors.New("jwtx: algorithm mismatch")
	ErrInvalidSig  = errors.New("jwtx: invalid signature")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Signer signs access-token claims.
type Signer interface {
	Sign(Claims) (string, error)
}

// Verifier validates a JWT and gives you back the claims if it's legit.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// EdDSAKey is an Ed25519 signing key that implements both Signer and
// Verifier. One process-wide key is all the platform needs; it is loaded
// from (or generated into) a PEM file at startup.
type EdDSAKey struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
}

// NewEdDSAKey wraps an existing Ed25519 private key.
func NewEdDSAKey(priv ed25519.PrivateKey, issuer string) *EdDSAKey {
	return &EdDSAKey{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		issuer: issuer,
	}
}

// GenerateEdDSAKey creates a fresh Ed25519 key.
func GenerateEdDSAKey(issuer string) (*EdDSAKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to generate key: %w", err)
	}
	return NewEdDSAKey(priv, issuer), nil
}

// ParseEdDSAKeyPEM loads a PKCS8 PEM-encoded Ed25519 private key.
func ParseEdDSAKeyPEM(pemBytes []byte, issuer string) (*EdDSAKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("jwtx: no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to parse PKCS8 key: %w", err)
	}

	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwtx: PEM key is not Ed25519")
	}
	return NewEdDSAKey(priv, issuer), nil
}

// MarshalPEM encodes the private key as PKCS8 PEM for persistence.
func (k *EdDSAKey) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Sign produces a compact EdDSA-signed JWT for the given claims.
func (k *EdDSAKey) Sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("jwtx: signing failed: %w", err)
	}
	return signed, nil
}

// Verify parses and validates the signature and issuer of a token. Expiry is
// validated by the parser; callers that need leeway can re-check via
// Claims.ValidateExpiry.
func (k *EdDSAKey) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrAlgMismatch
		}
		return k.pub, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return Claims{}, ErrNotYetValid
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrInvalidSig
		case errors.Is(err, ErrAlgMismatch):
			return Claims{}, ErrAlgMismatch
		default:
			return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidSig
	}

	if k.issuer != "" && claims.Issuer != k.issuer {
		return Claims{}, ErrIssuer
	}

	return claims, nil
}
