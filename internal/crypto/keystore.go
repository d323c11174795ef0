package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KeyStore persists per-field salts. Losing the salts makes every derived
// key unrecoverable, so the store must be on durable storage in production.
type KeyStore interface {
	// LoadSalts returns the persisted salts, or nil when none exist yet.
	LoadSalts() (map[string][]byte, error)
	SaveSalts(salts map[string][]byte) error
}

// FileKeyStore keeps salts in a 0600 JSON file under a 0700 directory.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates the key directory if needed.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

func (s *FileKeyStore) saltPath() string {
	return filepath.Join(s.dir, "salts.json")
}

func (s *FileKeyStore) LoadSalts() (map[string][]byte, error) {
	data, err := os.ReadFile(s.saltPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read salts: %w", err)
	}

	var encoded map[string]string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("parse salts: %w", err)
	}

	salts := make(map[string][]byte, len(encoded))
	for field, b64 := range encoded {
		salt, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode salt for field %s: %w", field, err)
		}
		salts[field] = salt
	}
	return salts, nil
}

func (s *FileKeyStore) SaveSalts(salts map[string][]byte) error {
	encoded := make(map[string]string, len(salts))
	for field, salt := range salts {
		encoded[field] = base64.StdEncoding.EncodeToString(salt)
	}

	data, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal salts: %w", err)
	}

	if err := os.WriteFile(s.saltPath(), data, 0o600); err != nil {
		return fmt.Errorf("write salts: %w", err)
	}
	return nil
}

// MemoryKeyStore is an in-process salt store for tests.
type MemoryKeyStore struct {
	salts map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

func (s *MemoryKeyStore) LoadSalts() (map[string][]byte, error) {
	return s.salts, nil
}

func (s *MemoryKeyStore) SaveSalts(salts map[string][]byte) error {
	s.salts = salts
	return nil
}

// generateSalts produces one random 32-byte salt per field.
func generateSalts(fields []string) (map[string][]byte, error) {
	salts := make(map[string][]byte, len(fields))
	for _, field := range fields {
		salt := make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt for field %s: %w", field, err)
		}
		salts[field] = salt
	}
	return salts, nil
}
