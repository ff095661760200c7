// Package keystore is the capability boundary to the secret-holding
// subsystem. The lifecycle core only ever asks it to generate, sign,
// export public material, or deactivate; private key material never
// crosses this boundary.
package keystore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/systmms/trustchain/internal/config"
)

// KeyStore is implemented by every backend. Failures are surfaced to the
// operator, never auto-retried; callers bound every call with a timeout.
type KeyStore interface {
	// Generate mints a new signing key for a slot and, when parentKeyID is
	// set, certifies it with the parent key. Returns the new key id.
	Generate(ctx context.Context, slot, algorithm string, bits int, parentKeyID string) (string, error)

	// SignWith signs payload with an existing key.
	SignWith(ctx context.Context, keyID string, payload []byte) ([]byte, error)

	// ExportPublic returns the public material for a key, PEM encoded.
	ExportPublic(ctx context.Context, keyID string) ([]byte, error)

	// Deactivate makes a key unusable for signing. Material is retained
	// where the backend supports it; it is never reactivated.
	Deactivate(ctx context.Context, keyID string) error
}

// New builds the configured backend rooted under stateDir.
func New(cfg config.KeyStoreConfig, stateDir string) (KeyStore, error) {
	switch cfg.Type {
	case "", "soft":
		return NewSoftStore(filepath.Join(stateDir, "keystore")), nil
	case "vault":
		return NewVaultStore(cfg.Config, filepath.Join(stateDir, "keystore"))
	}
	return nil, fmt.Errorf("unknown key store type %q", cfg.Type)
}
