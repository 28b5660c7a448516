// Package artifact persists the trained model as a single file.
// Writes go to a temporary file in the same directory and are renamed into
// place, so a reader sees either the previous artifact or the new one.
// The artifact can optionally be sealed with NaCl secretbox.
package artifact

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrCodeEU/faceroll/pkg/logging"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// ErrNotFound is returned when no artifact exists at the path.
var ErrNotFound = errors.New("model artifact not found")

// ErrEncryption is returned when sealing or opening fails.
var ErrEncryption = errors.New("encryption error")

// Store reads and writes one artifact file.
type Store struct {
	path       string
	encrypted  bool
	key        [KeySize]byte
	identityFn func() string
}

// Option configures a Store.
type Option func(*Store)

// WithEncryption seals the artifact with a key derived from this machine.
func WithEncryption(enabled bool) Option {
	return func(s *Store) { s.encrypted = enabled }
}

// New creates a Store for path.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, identityFn: machineIdentity}
	for _, opt := range opts {
		opt(s)
	}
	if s.encrypted {
		s.key = deriveKey(s.identityFn())
	}
	return s
}

// Path returns the artifact location.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether an artifact has been written.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Write replaces the artifact with data.
func (s *Store) Write(data []byte) error {
	if s.encrypted {
		sealed, err := s.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt artifact: %w", err)
		}
		data = sealed
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace artifact: %w", err)
	}

	logging.Debugf("Wrote model artifact %s (%d bytes)", s.path, len(data))
	return nil
}

// Read returns the artifact contents.
func (s *Store) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	if s.encrypted {
		data, err = s.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt artifact: %w", err)
		}
	}
	return data, nil
}

// machineIdentity combines machine-specific values so a sealed artifact
// only opens on the host that trained it.
func machineIdentity() string {
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))

	return identity.String()
}

func deriveKey(identity string) [KeySize]byte {
	var key [KeySize]byte
	hash := sha256.Sum256([]byte(identity + "faceroll-v1-salt"))
	copy(key[:], hash[:])
	return key
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
