// Package crypto provides field-level encryption for sensitive record
// payloads. Each logical field (prompt, response, headers) gets its own
// AES-256-GCM key derived from the master key via PBKDF2-SHA256 with a
// random, persisted per-field salt. Ciphertext is self-describing: the
// "ENC_V<generation>_" prefix lets the decrypt path tell plaintext,
// current-format and prior-generation values apart without metadata.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
)

// Logical field names with derived keys.
const (
	FieldPrompt   = "prompt"
	FieldResponse = "response"
	FieldHeaders  = "headers"
)

// Fields lists every field the service derives a key for.
var Fields = []string{FieldPrompt, FieldResponse, FieldHeaders}

const (
	markerPrefix  = "ENC_V"
	keyLength     = 32
	minMasterKey  = 32
	DefaultRounds = 480000
)

var (
	// ErrDecryptFailed is returned when a marked ciphertext fails
	// authentication or references unknown key material. Callers must not
	// surface the raw ciphertext as if it were plaintext.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrEncryptFailed is returned in fail-closed mode when a field cannot
	// be encrypted.
	ErrEncryptFailed = errors.New("encryption failed")

	// ErrKeyTooShort rejects master keys below 32 bytes on rotation.
	ErrKeyTooShort = errors.New("master key must be at least 32 bytes")
)

// Options configures a Service.
type Options struct {
	// Iterations is the PBKDF2 round count; DefaultRounds when zero.
	Iterations int

	// FailClosed makes Encrypt return an error instead of passing plaintext
	// through when a field cannot be encrypted. The default is the
	// availability-over-confidentiality posture: store plaintext and log a
	// security event.
	FailClosed bool

	// Store persists field salts. Required when a master key is set.
	Store KeyStore
}

// Service encrypts and decrypts individual record fields. When no usable
// master key is configured the service runs disabled and passes every input
// through unchanged; persistence continues either way.
type Service struct {
	log        *logging.Logger
	enabled    bool
	iterations int
	failClosed bool
	store      KeyStore

	mu         sync.RWMutex
	generation int
	// keys holds one AEAD per field per generation. Prior generations stay
	// resident so their ciphertext remains readable until re-encrypted.
	keys  map[int]map[string]cipher.AEAD
	salts map[string][]byte
}

// NewService initializes the encryption service. A missing or short master
// key, or a salt store failure, leaves the service in disabled pass-through
// mode with a logged security event; it never prevents startup.
func NewService(masterKey []byte, opts Options, log *logging.Logger) *Service {
	s := &Service{
		log:        log.Component("crypto"),
		iterations: opts.Iterations,
		failClosed: opts.FailClosed,
		store:      opts.Store,
		keys:       make(map[int]map[string]cipher.AEAD),
	}
	if s.iterations <= 0 {
		s.iterations = DefaultRounds
	}

	if len(masterKey) == 0 {
		s.log.SecurityEvent("encryption_disabled", "", "no master key configured; storing fields in plaintext")
		return s
	}
	if len(masterKey) < minMasterKey {
		s.log.SecurityEvent("encryption_disabled", "", "master key shorter than 32 bytes; storing fields in plaintext")
		return s
	}
	if s.store == nil {
		s.store = NewMemoryKeyStore()
	}

	salts, err := s.loadOrGenerateSalts()
	if err != nil {
		s.log.SecurityEvent("encryption_disabled", "", fmt.Sprintf("salt storage unavailable: %v", err))
		return s
	}

	s.salts = salts
	s.generation = 1
	s.keys[1] = deriveFieldKeys(masterKey, salts, s.iterations)
	s.enabled = true
	s.log.Info("field encryption enabled",
		"fields", len(s.keys[1]),
		"kdf_iterations", s.iterations,
	)
	return s
}

// loadOrGenerateSalts returns the persisted salts, generating and persisting
// fresh random ones on first run. Missing fields in an existing salt file
// get new salts (e.g. after a new field is added).
func (s *Service) loadOrGenerateSalts() (map[string][]byte, error) {
	salts, err := s.store.LoadSalts()
	if err != nil {
		return nil, err
	}
	if salts == nil {
		salts = make(map[string][]byte)
	}

	var missing []string
	for _, field := range Fields {
		if len(salts[field]) == 0 {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return salts, nil
	}

	fresh, err := generateSalts(missing)
	if err != nil {
		return nil, err
	}
	for field, salt := range fresh {
		salts[field] = salt
	}
	if err := s.store.SaveSalts(salts); err != nil {
		return nil, err
	}
	return salts, nil
}

func deriveFieldKeys(masterKey []byte, salts map[string][]byte, iterations int) map[string]cipher.AEAD {
	keys := make(map[string]cipher.AEAD, len(Fields))
	for _, field := range Fields {
		salt, ok := salts[field]
		if !ok {
			continue
		}
		derived := pbkdf2.Key(masterKey, salt, iterations, keyLength, sha256.New)
		block, err := aes.NewCipher(derived)
		if err != nil {
			continue
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			continue
		}
		keys[field] = aead
	}
	return keys
}

// Enabled reports whether field encryption is active.
func (s *Service) Enabled() bool {
	return s.enabled
}

// IsEncrypted reports whether a value carries the ciphertext marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, markerPrefix)
}

// Encrypt protects a field value. It is a no-op for empty input, when the
// service is disabled, or when the input already carries the ciphertext
// marker (never double-encrypt). A missing field key passes plaintext
// through with a security event, or fails the write in fail-closed mode.
func (s *Service) Encrypt(field, plaintext string) (string, error) {
	if plaintext == "" || !s.enabled {
		return plaintext, nil
	}
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}

	s.mu.RLock()
	generation := s.generation
	aead := s.keys[generation][field]
	s.mu.RUnlock()

	if aead == nil {
		s.log.SecurityEvent("encryption_failed", field, "no key derived for field")
		metrics.CryptoOperations.WithLabelValues("encrypt", "failed").Inc()
		if s.failClosed {
			return "", fmt.Errorf("%w: no key for field %s", ErrEncryptFailed, field)
		}
		return plaintext, nil
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		s.log.SecurityEvent("encryption_failed", field, err.Error())
		metrics.CryptoOperations.WithLabelValues("encrypt", "failed").Inc()
		if s.failClosed {
			return "", fmt.Errorf("%w: %v", ErrEncryptFailed, err)
		}
		return plaintext, nil
	}

	// The field name is bound as additional data so ciphertext cannot be
	// replayed across fields.
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	metrics.CryptoOperations.WithLabelValues("encrypt", "ok").Inc()
	return fmt.Sprintf("%s%d_%s", markerPrefix, generation, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt recovers a field value. Unmarked input is returned unchanged
// (legacy plaintext is not an error). A marked input that fails parsing or
// authentication returns ErrDecryptFailed with a logged security event.
func (s *Service) Decrypt(field, value string) (string, error) {
	if value == "" || !s.enabled || !IsEncrypted(value) {
		return value, nil
	}

	generation, payload, err := splitMarker(value)
	if err != nil {
		s.log.SecurityEvent("decryption_failed", field, err.Error())
		metrics.CryptoOperations.WithLabelValues("decrypt", "failed").Inc()
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	s.mu.RLock()
	aead := s.keys[generation][field]
	s.mu.RUnlock()

	if aead == nil {
		s.log.SecurityEvent("decryption_failed", field, fmt.Sprintf("no key material for generation %d", generation))
		metrics.CryptoOperations.WithLabelValues("decrypt", "failed").Inc()
		return "", fmt.Errorf("%w: unknown key generation %d", ErrDecryptFailed, generation)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(sealed) < aead.NonceSize() {
		s.log.SecurityEvent("decryption_failed", field, "malformed ciphertext payload")
		metrics.CryptoOperations.WithLabelValues("decrypt", "failed").Inc()
		return "", fmt.Errorf("%w: malformed payload", ErrDecryptFailed)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(field))
	if err != nil {
		s.log.SecurityEvent("decryption_failed", field, "authentication failure")
		metrics.CryptoOperations.WithLabelValues("decrypt", "failed").Inc()
		return "", fmt.Errorf("%w: authentication failure", ErrDecryptFailed)
	}

	metrics.CryptoOperations.WithLabelValues("decrypt", "ok").Inc()
	return string(plaintext), nil
}

func splitMarker(value string) (int, string, error) {
	rest := strings.TrimPrefix(value, markerPrefix)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, "", errors.New("malformed ciphertext marker")
	}
	generation, err := strconv.Atoi(parts[0])
	if err != nil || generation < 1 {
		return 0, "", errors.New("malformed generation in ciphertext marker")
	}
	return generation, parts[1], nil
}

// Rotate derives a new key generation from the new master key, reusing the
// persisted salts. Subsequent ciphertext carries the new generation in its
// marker; prior generations stay resident for decryption. Rotation does not
// re-encrypt stored data; that is a separate operational task.
func (s *Service) Rotate(newMasterKey []byte) error {
	if !s.enabled {
		return errors.New("encryption is disabled")
	}
	if len(newMasterKey) < minMasterKey {
		return ErrKeyTooShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.generation + 1
	s.keys[next] = deriveFieldKeys(newMasterKey, s.salts, s.iterations)
	s.generation = next
	s.log.Info("encryption keys rotated", "generation", next)
	return nil
}

// Status describes the service posture for the stats endpoint.
type Status struct {
	Enabled    bool     `json:"enabled"`
	Generation int      `json:"key_generation"`
	Iterations int      `json:"kdf_iterations"`
	Fields     []string `json:"fields"`
	KDF        string   `json:"kdf_algorithm"`
	Cipher     string   `json:"cipher_algorithm"`
	FailClosed bool     `json:"fail_closed"`
}

// Status reports the current encryption posture.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Enabled:    s.enabled,
		Generation: s.generation,
		Iterations: s.iterations,
		KDF:        "PBKDF2-SHA256",
		Cipher:     "AES-256-GCM",
		FailClosed: s.failClosed,
	}
	for _, field := range Fields {
		if s.keys[s.generation][field] != nil {
			status.Fields = append(status.Fields, field)
		}
	}
	return status
}
