package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/propstake/propstake/pkg/jwtx"
)

// InitSigningKey loads the Ed25519 signing key from the configured file, or
// generates one when no file is configured.
//
// With AUTH_SIGNING_KEY_FILE set, the key is loaded from that path; if the
// file does not exist yet a fresh key is generated and written there, so
// tokens survive restarts. Without it the key is ephemeral and every
// existing token is invalidated on startup.
func InitSigningKey(cfg Config, logger *slog.Logger) (*jwtx.EdDSAKey, error) {
	if cfg.SigningKeyFile == "" {
		key, err := jwtx.GenerateEdDSAKey(cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}

		logger.Warn("using ephemeral signing key, all existing tokens are now invalid")
		return key, nil
	}

	pemBytes, err := os.ReadFile(cfg.SigningKeyFile)
	switch {
	case err == nil:
		key, err := jwtx.ParseEdDSAKeyPEM(pemBytes, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key %s: %w", cfg.SigningKeyFile, err)
		}

		logger.Info("signing key loaded", "path", cfg.SigningKeyFile)
		return key, nil

	case errors.Is(err, fs.ErrNotExist):
		key, err := jwtx.GenerateEdDSAKey(cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}

		pemBytes, err := key.MarshalPEM()
		if err != nil {
			return nil, fmt.Errorf("failed to encode signing key: %w", err)
		}
		if err := os.WriteFile(cfg.SigningKeyFile, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write signing key %s: %w", cfg.SigningKeyFile, err)
		}

		logger.Info("signing key generated", "path", cfg.SigningKeyFile)
		return key, nil

	default:
		return nil, fmt.Errorf("failed to read signing key %s: %w", cfg.SigningKeyFile, err)
	}
}
