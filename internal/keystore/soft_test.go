package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftStore_GenerateSignVerify(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	ctx := context.Background()

	keyID, err := store.Generate(ctx, "root", "ed25519", 256, "")
	require.NoError(t, err)
	require.NotEmpty(t, keyID)

	payload := []byte("uefi image digest")
	sig, err := store.SignWith(ctx, keyID, payload)
	require.NoError(t, err)
	require.Len(t, sig, ed25519.SignatureSize)

	ok, err := store.Verify(keyID, payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Verify(keyID, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSoftStore_RejectsUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	_, err := store.Generate(context.Background(), "db", "rsa-2048", 2048, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ed25519")
}

func TestSoftStore_ParentCertification(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	ctx := context.Background()

	rootID, err := store.Generate(ctx, "root", "ed25519", 256, "")
	require.NoError(t, err)

	platID, err := store.Generate(ctx, "platform", "ed25519", 256, rootID)
	require.NoError(t, err)

	// The child's metadata carries a certification signature that the
	// parent's public key verifies against the child's raw public key.
	meta, err := store.readMeta(platID)
	require.NoError(t, err)
	assert.Equal(t, rootID, meta.ParentKeyID)
	require.NotEmpty(t, meta.CertSig)

	childPub := decodePublic(t, store, platID)
	sig := decodeBase64(t, meta.CertSig)
	ok, err := store.Verify(rootID, childPub, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func decodePublic(t *testing.T, store *SoftStore, keyID string) []byte {
	t.Helper()
	data, err := store.ExportPublic(context.Background(), keyID)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	return block.Bytes
}

func decodeBase64(t *testing.T, s string) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return data
}

func TestSoftStore_GenerateFailsWithUnknownParent(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	_, err := store.Generate(context.Background(), "kek", "ed25519", 256, "no-such-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certification")
}

func TestSoftStore_ExportPublicPEM(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	ctx := context.Background()

	keyID, err := store.Generate(ctx, "db", "ed25519", 256, "")
	require.NoError(t, err)

	data, err := store.ExportPublic(ctx, keyID)
	require.NoError(t, err)

	block, rest := pem.Decode(data)
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, "ED25519 PUBLIC KEY", block.Type)
	assert.Len(t, block.Bytes, ed25519.PublicKeySize)
}

func TestSoftStore_Deactivate(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	ctx := context.Background()

	keyID, err := store.Generate(ctx, "db", "ed25519", 256, "")
	require.NoError(t, err)

	require.NoError(t, store.Deactivate(ctx, keyID))

	// Signing is refused but the public half stays exportable
	_, err = store.SignWith(ctx, keyID, []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deactivated")

	_, err = store.ExportPublic(ctx, keyID)
	assert.NoError(t, err)

	// Private material moved out of the live directory
	_, err = os.Stat(store.privPath(keyID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(store.baseDir, "deactivated", keyID+".key"))
	assert.NoError(t, err)

	// Deactivating twice is a no-op
	assert.NoError(t, store.Deactivate(ctx, keyID))
}

func TestSoftStore_PrivateFilePermissions(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	keyID, err := store.Generate(context.Background(), "root", "ed25519", 256, "")
	require.NoError(t, err)

	info, err := os.Stat(store.privPath(keyID))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSoftStore_CanceledContext(t *testing.T) {
	t.Parallel()

	store := NewSoftStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Generate(ctx, "root", "ed25519", 256, "")
	assert.ErrorIs(t, err, context.Canceled)
}
