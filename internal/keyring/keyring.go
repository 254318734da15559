// Package keyring holds the shared secrets that authenticate cooperating
// processes: the interactive session key presented on every call and the
// coordinator key presented on coordinator-issued calls.
package keyring

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"pkt.systems/txd/internal/txn"
)

// Keys is the on-disk and in-memory shape of the shared secrets.
type Keys struct {
	InteractiveSessionKey string `yaml:"interactive-session-key"`
	CoordinatorKey        string `yaml:"coordinator-key"`
}

// Validate rejects empty keys.
func (k Keys) Validate() error {
	if strings.TrimSpace(k.InteractiveSessionKey) == "" {
		return errors.New("keyring: interactive session key required")
	}
	if strings.TrimSpace(k.CoordinatorKey) == "" {
		return errors.New("keyring: coordinator key required")
	}
	return nil
}

// Keyring verifies presented keys against the current secrets. Keys can be
// rotated at runtime.
type Keyring struct {
	current atomic.Pointer[Keys]
}

// New returns a keyring holding keys.
func New(keys Keys) (*Keyring, error) {
	k := &Keyring{}
	if err := k.Rotate(keys); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate replaces the current keys.
func (k *Keyring) Rotate(keys Keys) error {
	if err := keys.Validate(); err != nil {
		return err
	}
	k.current.Store(&keys)
	return nil
}

// Keys returns the current keys.
func (k *Keyring) Keys() Keys {
	return *k.current.Load()
}

// Credentials returns the credentials a coordinator presents to participants
// on behalf of sessionToken.
func (k *Keyring) Credentials(sessionToken string) txn.Credentials {
	keys := k.Keys()
	return txn.Credentials{
		SessionToken:          sessionToken,
		InteractiveSessionKey: keys.InteractiveSessionKey,
		CoordinatorKey:        keys.CoordinatorKey,
	}
}

// VerifyInteractive checks the interactive session key.
func (k *Keyring) VerifyInteractive(creds txn.Credentials) error {
	if !equal(creds.InteractiveSessionKey, k.Keys().InteractiveSessionKey) {
		return txn.Unauthorized("invalid interactive session key")
	}
	return nil
}

// VerifyCoordinator checks both keys, as required for coordinator-issued calls.
func (k *Keyring) VerifyCoordinator(creds txn.Credentials) error {
	if err := k.VerifyInteractive(creds); err != nil {
		return err
	}
	if !equal(creds.CoordinatorKey, k.Keys().CoordinatorKey) {
		return txn.Unauthorized("invalid coordinator key")
	}
	return nil
}

func equal(presented, expected string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// Generate returns fresh random keys.
func Generate() (Keys, error) {
	interactive, err := randomKey()
	if err != nil {
		return Keys{}, err
	}
	coordinator, err := randomKey()
	if err != nil {
		return Keys{}, err
	}
	return Keys{InteractiveSessionKey: interactive, CoordinatorKey: coordinator}, nil
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("keyring: generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Load reads keys from a YAML file.
func Load(path string) (Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Keys{}, fmt.Errorf("keyring: read %s: %w", path, err)
	}
	var keys Keys
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return Keys{}, fmt.Errorf("keyring: parse %s: %w", path, err)
	}
	if err := keys.Validate(); err != nil {
		return Keys{}, fmt.Errorf("%w (%s)", err, path)
	}
	return keys, nil
}

// Save writes keys to path with owner-only permissions.
func Save(path string, keys Keys) error {
	if err := keys.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("keyring: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("keyring: write %s: %w", path, err)
	}
	return nil
}
