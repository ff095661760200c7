package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	vault "github.com/hashicorp/vault/api"
)

// VaultStore implements KeyStore against HashiCorp Vault's Transit engine.
// Vault holds the private material; only a small metadata index (slot,
// parent, certification signature) lives locally, since Transit has no
// place for it.
type VaultStore struct {
	client  *vault.Client
	mount   string
	metaDir string
	mu      sync.Mutex
}

// NewVaultStore builds a Vault-backed keystore. Recognized config keys:
// address, token, mount (default "transit"). Address and token fall back
// to VAULT_ADDR and VAULT_TOKEN.
func NewVaultStore(cfg map[string]interface{}, metaDir string) (*VaultStore, error) {
	vcfg := vault.DefaultConfig()
	if addr, ok := cfg["address"].(string); ok && addr != "" {
		vcfg.Address = addr
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token, ok := cfg["token"].(string); ok && token != "" {
		client.SetToken(token)
	}

	mount := "transit"
	if m, ok := cfg["mount"].(string); ok && m != "" {
		mount = m
	}

	return &VaultStore{client: client, mount: mount, metaDir: metaDir}, nil
}

type vaultKeyMeta struct {
	KeyID       string    `json:"key_id"`
	Slot        string    `json:"slot"`
	Algorithm   string    `json:"algorithm"`
	ParentKeyID string    `json:"parent_key_id,omitempty"`
	CertSig     string    `json:"cert_sig,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// transitKeyType maps the configured algorithm and size to a Transit key
// type name.
func transitKeyType(algorithm string, bits int) (string, error) {
	switch algorithm {
	case "", "ed25519":
		return "ed25519", nil
	case "ecdsa":
		switch bits {
		case 0, 256:
			return "ecdsa-p256", nil
		case 384:
			return "ecdsa-p384", nil
		case 521:
			return "ecdsa-p521", nil
		}
		return "", fmt.Errorf("unsupported ecdsa size %d", bits)
	case "rsa":
		switch bits {
		case 2048, 3072, 4096:
			return fmt.Sprintf("rsa-%d", bits), nil
		}
		return "", fmt.Errorf("unsupported rsa size %d", bits)
	}
	return "", fmt.Errorf("unsupported algorithm %q", algorithm)
}

// Generate creates a Transit key and certifies its public material with
// the parent key.
func (v *VaultStore) Generate(ctx context.Context, slot, algorithm string, bits int, parentKeyID string) (string, error) {
	keyType, err := transitKeyType(algorithm, bits)
	if err != nil {
		return "", err
	}

	keyID := uuid.New().String()
	path := fmt.Sprintf("%s/keys/%s", v.mount, keyID)
	data := map[string]interface{}{
		"type":                   keyType,
		"exportable":             false,
		"allow_plaintext_backup": false,
		"deletion_allowed":       true,
	}

	logical := v.client.Logical()
	if _, err := logical.WriteWithContext(ctx, path, data); err != nil {
		return "", fmt.Errorf("failed to create key in vault: %w", err)
	}

	meta := vaultKeyMeta{
		KeyID:     keyID,
		Slot:      slot,
		Algorithm: keyType,
		CreatedAt: time.Now().UTC(),
	}

	if parentKeyID != "" {
		pub, err := v.exportPublic(ctx, keyID)
		if err != nil {
			return "", fmt.Errorf("failed to read public material for certification: %w", err)
		}
		sig, err := v.SignWith(ctx, parentKeyID, pub)
		if err != nil {
			return "", fmt.Errorf("certification by parent %s failed: %w", parentKeyID, err)
		}
		meta.ParentKeyID = parentKeyID
		meta.CertSig = string(sig)
	}

	if err := v.writeMeta(&meta); err != nil {
		return "", err
	}
	return keyID, nil
}

// SignWith signs payload with a Transit key. The returned signature is
// Vault's "vault:vN:..." form.
func (v *VaultStore) SignWith(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/sign/%s", v.mount, keyID)
	data := map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(payload),
	}

	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("vault sign with key %s failed: %w", keyID, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault sign with key %s returned no data", keyID)
	}
	sig, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, fmt.Errorf("vault sign with key %s returned unexpected response", keyID)
	}
	return []byte(sig), nil
}

// ExportPublic returns the PEM-encoded public key of the latest key version.
func (v *VaultStore) ExportPublic(ctx context.Context, keyID string) ([]byte, error) {
	return v.exportPublic(ctx, keyID)
}

func (v *VaultStore) exportPublic(ctx context.Context, keyID string) ([]byte, error) {
	path := fmt.Sprintf("%s/keys/%s", v.mount, keyID)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s from vault: %w", keyID, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("key %s not found in vault", keyID)
	}

	versions, ok := secret.Data["keys"].(map[string]interface{})
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("key %s has no versions in vault", keyID)
	}

	latest := ""
	for ver := range versions {
		if latest == "" || len(ver) > len(latest) || (len(ver) == len(latest) && ver > latest) {
			latest = ver
		}
	}

	info, ok := versions[latest].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("key %s version %s has unexpected format", keyID, latest)
	}
	pub, ok := info["public_key"].(string)
	if !ok || pub == "" {
		return nil, fmt.Errorf("key %s exposes no public material", keyID)
	}
	return []byte(pub), nil
}

// Deactivate deletes the Transit key. Vault requires deletion_allowed to
// be set on the key config first.
func (v *VaultStore) Deactivate(ctx context.Context, keyID string) error {
	logical := v.client.Logical()

	configPath := fmt.Sprintf("%s/keys/%s/config", v.mount, keyID)
	if _, err := logical.WriteWithContext(ctx, configPath, map[string]interface{}{
		"deletion_allowed": true,
	}); err != nil {
		return fmt.Errorf("failed to allow deletion of key %s: %w", keyID, err)
	}

	path := fmt.Sprintf("%s/keys/%s", v.mount, keyID)
	if _, err := logical.DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete key %s from vault: %w", keyID, err)
	}
	return nil
}

func (v *VaultStore) writeMeta(meta *vaultKeyMeta) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(v.metaDir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore metadata directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}
	path := filepath.Join(v.metaDir, meta.KeyID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key metadata: %w", err)
	}
	return nil
}
