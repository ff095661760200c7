package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// SoftStore is a file-backed software keystore for installations without a
// reachable HSM or Vault. Private material is kept in memguard locked
// buffers while resident and written 0600; it only supports ed25519.
type SoftStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewSoftStore creates a soft keystore rooted at baseDir.
func NewSoftStore(baseDir string) *SoftStore {
	return &SoftStore{baseDir: baseDir}
}

type softKeyMeta struct {
	KeyID       string    `json:"key_id"`
	Slot        string    `json:"slot"`
	Algorithm   string    `json:"algorithm"`
	PublicKey   string    `json:"public_key"` // base64
	ParentKeyID string    `json:"parent_key_id,omitempty"`
	CertSig     string    `json:"cert_sig,omitempty"` // base64, parent's signature over PublicKey
	CreatedAt   time.Time `json:"created_at"`
	Deactivated bool      `json:"deactivated,omitempty"`
}

func (s *SoftStore) metaPath(keyID string) string {
	return filepath.Join(s.baseDir, keyID+".json")
}

func (s *SoftStore) privPath(keyID string) string {
	return filepath.Join(s.baseDir, keyID+".key")
}

// Generate mints an ed25519 key and certifies it with the parent when one
// is given.
func (s *SoftStore) Generate(ctx context.Context, slot, algorithm string, bits int, parentKeyID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if algorithm != "" && algorithm != "ed25519" {
		return "", fmt.Errorf("soft keystore only supports ed25519, got %q", algorithm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create keystore directory: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("key generation failed: %w", err)
	}

	// Move the private key into a locked buffer; GenerateKey's copy is
	// wiped by NewBufferFromBytes.
	locked := memguard.NewBufferFromBytes(priv)
	defer locked.Destroy()

	keyID := uuid.New().String()

	meta := softKeyMeta{
		KeyID:     keyID,
		Slot:      slot,
		Algorithm: "ed25519",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt: time.Now().UTC(),
	}

	if parentKeyID != "" {
		sig, err := s.signLocked(parentKeyID, pub)
		if err != nil {
			return "", fmt.Errorf("certification by parent %s failed: %w", parentKeyID, err)
		}
		meta.ParentKeyID = parentKeyID
		meta.CertSig = base64.StdEncoding.EncodeToString(sig)
	}

	if err := os.WriteFile(s.privPath(keyID), locked.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("failed to store private material: %w", err)
	}
	if err := s.writeMeta(&meta); err != nil {
		_ = os.Remove(s.privPath(keyID))
		return "", err
	}

	return keyID, nil
}

// SignWith signs payload with an existing, non-deactivated key.
func (s *SoftStore) SignWith(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signLocked(keyID, payload)
}

func (s *SoftStore) signLocked(keyID string, payload []byte) ([]byte, error) {
	meta, err := s.readMeta(keyID)
	if err != nil {
		return nil, err
	}
	if meta.Deactivated {
		return nil, fmt.Errorf("key %s is deactivated", keyID)
	}

	data, err := os.ReadFile(s.privPath(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to load private material for %s: %w", keyID, err)
	}
	locked := memguard.NewBufferFromBytes(data)
	defer locked.Destroy()

	if len(locked.Bytes()) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("corrupt private material for %s", keyID)
	}
	return ed25519.Sign(ed25519.PrivateKey(locked.Bytes()), payload), nil
}

// ExportPublic returns the public key as a PEM block.
func (s *SoftStore) ExportPublic(ctx context.Context, keyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(keyID)
	if err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(meta.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt public material for %s: %w", keyID, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ED25519 PUBLIC KEY", Bytes: pub}), nil
}

// Deactivate moves the private material out of the signing path. The
// metadata and public material stay behind for backups and verification.
func (s *SoftStore) Deactivate(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(keyID)
	if err != nil {
		return err
	}
	if meta.Deactivated {
		return nil
	}

	retired := filepath.Join(s.baseDir, "deactivated")
	if err := os.MkdirAll(retired, 0700); err != nil {
		return fmt.Errorf("failed to create deactivated directory: %w", err)
	}
	if err := os.Rename(s.privPath(keyID), filepath.Join(retired, keyID+".key")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to retire private material for %s: %w", keyID, err)
	}

	meta.Deactivated = true
	return s.writeMeta(meta)
}

// Verify checks a certification signature, used by tests and the backup
// inspection path.
func (s *SoftStore) Verify(keyID string, payload, sig []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(keyID)
	if err != nil {
		return false, err
	}
	pub, err := base64.StdEncoding.DecodeString(meta.PublicKey)
	if err != nil {
		return false, fmt.Errorf("corrupt public material for %s: %w", keyID, err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}

func (s *SoftStore) readMeta(keyID string) (*softKeyMeta, error) {
	data, err := os.ReadFile(s.metaPath(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key %s not found in keystore", keyID)
		}
		return nil, fmt.Errorf("failed to read key metadata: %w", err)
	}
	var meta softKeyMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt key metadata for %s: %w", keyID, err)
	}
	return &meta, nil
}

func (s *SoftStore) writeMeta(meta *softKeyMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.KeyID), data, 0600); err != nil {
		return fmt.Errorf("failed to write key metadata: %w", err)
	}
	return nil
}
