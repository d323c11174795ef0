package crypto

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewave-labs/flagwise/internal/logging"
)

// Tests use a tiny iteration count; the production default is wired through
// config, not here.
const testRounds = 1000

var testMasterKey = bytes.Repeat([]byte{0xA7}, 32)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Iterations == 0 {
		opts.Iterations = testRounds
	}
	if opts.Store == nil {
		opts.Store = NewMemoryKeyStore()
	}
	return NewService(testMasterKey, opts, logging.New(slog.LevelError, "text"))
}

func TestRoundTrip(t *testing.T) {
	svc := newTestService(t, Options{})
	require.True(t, svc.Enabled())

	inputs := []string{"hello", "ünïcödé ✓ payload", `{"Authorization":"Bearer x"}`, strings.Repeat("long ", 500)}
	for _, field := range Fields {
		for _, plaintext := range inputs {
			ciphertext, err := svc.Encrypt(field, plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, plaintext, ciphertext)
			assert.True(t, IsEncrypted(ciphertext))

			decrypted, err := svc.Decrypt(field, ciphertext)
			require.NoError(t, err)
			assert.Equal(t, plaintext, decrypted)
		}
	}
}

func TestEncryptIdempotent(t *testing.T) {
	svc := newTestService(t, Options{})

	ciphertext, err := svc.Encrypt(FieldPrompt, "sensitive data")
	require.NoError(t, err)

	// Encrypting ciphertext again must be a no-op.
	again, err := svc.Encrypt(FieldPrompt, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, again)
}

func TestEmptyInputPassThrough(t *testing.T) {
	svc := newTestService(t, Options{})

	out, err := svc.Encrypt(FieldPrompt, "")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	out, err = svc.Decrypt(FieldPrompt, "")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestDisabledPassThrough(t *testing.T) {
	log := logging.New(slog.LevelError, "text")

	for name, key := range map[string][]byte{
		"no key":    nil,
		"short key": []byte("too-short"),
	} {
		t.Run(name, func(t *testing.T) {
			svc := NewService(key, Options{Iterations: testRounds}, log)
			assert.False(t, svc.Enabled())

			out, err := svc.Encrypt(FieldPrompt, "plaintext")
			require.NoError(t, err)
			assert.Equal(t, "plaintext", out)

			out, err = svc.Decrypt(FieldPrompt, "plaintext")
			require.NoError(t, err)
			assert.Equal(t, "plaintext", out)
		})
	}
}

func TestDecryptPlaintextPassThrough(t *testing.T) {
	svc := newTestService(t, Options{})

	// Legacy/plaintext values without the marker come back unchanged.
	out, err := svc.Decrypt(FieldPrompt, "never encrypted")
	require.NoError(t, err)
	assert.Equal(t, "never encrypted", out)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	svc := newTestService(t, Options{})

	ciphertext, err := svc.Encrypt(FieldPrompt, "sensitive")
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-2] + "zz"
	_, err = svc.Decrypt(FieldPrompt, tampered)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptWrongField(t *testing.T) {
	svc := newTestService(t, Options{})

	// Field name is bound as AEAD additional data: prompt ciphertext must
	// not decrypt as a response.
	ciphertext, err := svc.Encrypt(FieldPrompt, "sensitive")
	require.NoError(t, err)

	_, err = svc.Decrypt(FieldResponse, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptMalformedMarker(t *testing.T) {
	svc := newTestService(t, Options{})

	for _, input := range []string{"ENC_V_", "ENC_Vx_abc", "ENC_V1_%%%not-base64%%%", "ENC_V0_aaaa"} {
		_, err := svc.Decrypt(FieldPrompt, input)
		assert.ErrorIs(t, err, ErrDecryptFailed, "input %q", input)
	}
}

func TestUnknownFieldFailOpen(t *testing.T) {
	svc := newTestService(t, Options{})

	out, err := svc.Encrypt("metadata", "value")
	require.NoError(t, err)
	assert.Equal(t, "value", out)
}

func TestUnknownFieldFailClosed(t *testing.T) {
	svc := newTestService(t, Options{FailClosed: true})

	_, err := svc.Encrypt("metadata", "value")
	assert.ErrorIs(t, err, ErrEncryptFailed)
}

func TestRotate(t *testing.T) {
	svc := newTestService(t, Options{})

	before, err := svc.Encrypt(FieldPrompt, "old generation")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(before, "ENC_V1_"))

	newKey := bytes.Repeat([]byte{0x5C}, 32)
	require.NoError(t, svc.Rotate(newKey))

	after, err := svc.Encrypt(FieldPrompt, "new generation")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(after, "ENC_V2_"))

	// Both generations stay readable.
	out, err := svc.Decrypt(FieldPrompt, before)
	require.NoError(t, err)
	assert.Equal(t, "old generation", out)

	out, err = svc.Decrypt(FieldPrompt, after)
	require.NoError(t, err)
	assert.Equal(t, "new generation", out)
}

func TestRotateRejectsShortKey(t *testing.T) {
	svc := newTestService(t, Options{})
	assert.ErrorIs(t, svc.Rotate([]byte("short")), ErrKeyTooShort)
}

func TestFileKeyStorePersistence(t *testing.T) {
	dir := t.TempDir()
	log := logging.New(slog.LevelError, "text")

	store, err := NewFileKeyStore(dir)
	require.NoError(t, err)

	first := NewService(testMasterKey, Options{Iterations: testRounds, Store: store}, log)
	require.True(t, first.Enabled())

	ciphertext, err := first.Encrypt(FieldPrompt, "persisted across restarts")
	require.NoError(t, err)

	// Salt file exists with owner-only permissions.
	info, err := os.Stat(filepath.Join(dir, "salts.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A fresh service over the same store and master key derives the same
	// keys and can decrypt the earlier ciphertext.
	store2, err := NewFileKeyStore(dir)
	require.NoError(t, err)
	second := NewService(testMasterKey, Options{Iterations: testRounds, Store: store2}, log)
	require.True(t, second.Enabled())

	out, err := second.Decrypt(FieldPrompt, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "persisted across restarts", out)
}

func TestFileKeyStoreRejectsCorruptSaltFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "salts.json"), []byte("not json"), 0o600))

	store, err := NewFileKeyStore(dir)
	require.NoError(t, err)

	// Corrupt salt storage disables encryption rather than silently
	// generating new salts that would orphan existing ciphertext.
	svc := NewService(testMasterKey, Options{Iterations: testRounds, Store: store}, logging.New(slog.LevelError, "text"))
	assert.False(t, svc.Enabled())
}

func TestStatus(t *testing.T) {
	svc := newTestService(t, Options{})
	status := svc.Status()

	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.Generation)
	assert.Equal(t, testRounds, status.Iterations)
	assert.ElementsMatch(t, []string{"prompt", "response", "headers"}, status.Fields)
	assert.Equal(t, "PBKDF2-SHA256", status.KDF)
}
