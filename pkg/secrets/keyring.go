package secrets

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name under which all authmux secrets are
// stored in the OS keyring.
const keyringService = "authmux"

// keyringIndexKey holds the list of known secret names. The OS keyring has
// no enumeration API, so the index is maintained alongside the secrets.
const keyringIndexKey = "authmux-secret-index"

// KeyringManager stores secrets in the operating system keyring via the
// platform's native credential store (Keychain, Credential Manager, or the
// DBus Secret Service).
type KeyringManager struct{}

// NewKeyringManager creates a keyring-backed secrets manager.
func NewKeyringManager() *KeyringManager {
	return &KeyringManager{}
}

// GetSecret retrieves a secret from the keyring.
func (*KeyringManager) GetSecret(name string) (string, error) {
	if name == "" {
		return "", errors.New("secret name cannot be empty")
	}
	value, err := keyring.Get(keyringService, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to read secret from keyring: %w", err)
	}
	return value, nil
}

// SetSecret stores a secret in the keyring and records it in the index.
func (k *KeyringManager) SetSecret(name, value string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	if err := keyring.Set(keyringService, name, value); err != nil {
		return fmt.Errorf("failed to write secret to keyring: %w", err)
	}
	return k.updateIndex(func(index map[string]struct{}) {
		index[name] = struct{}{}
	})
}

// DeleteSecret removes a secret from the keyring and the index.
func (k *KeyringManager) DeleteSecret(name string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	if err := keyring.Delete(keyringService, name); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return fmt.Errorf("failed to delete secret from keyring: %w", err)
	}
	return k.updateIndex(func(index map[string]struct{}) {
		delete(index, name)
	})
}

// ListSecrets returns the names recorded in the index.
func (k *KeyringManager) ListSecrets() ([]string, error) {
	index, err := k.readIndex()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	return names, nil
}

// Cleanup is a no-op for the keyring backend.
func (*KeyringManager) Cleanup() error {
	return nil
}

func (*KeyringManager) readIndex() (map[string]struct{}, error) {
	raw, err := keyring.Get(keyringService, keyringIndexKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("failed to read secret index: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("failed to parse secret index: %w", err)
	}
	index := make(map[string]struct{}, len(names))
	for _, name := range names {
		index[name] = struct{}{}
	}
	return index, nil
}

func (k *KeyringManager) updateIndex(mutate func(map[string]struct{})) error {
	index, err := k.readIndex()
	if err != nil {
		return err
	}
	mutate(index)
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("failed to encode secret index: %w", err)
	}
	if err := keyring.Set(keyringService, keyringIndexKey, string(raw)); err != nil {
		return fmt.Errorf("failed to write secret index: %w", err)
	}
	return nil
}
