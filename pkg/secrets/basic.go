package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
)

// BasicManager is a simple secrets manager that stores secrets in an
// unencrypted file. This is for testing/development purposes only.
type BasicManager struct {
	filePath string
	secrets  map[string]string
	mu       sync.RWMutex // Protects concurrent access to secrets map
}

// NewBasicManager creates a file-backed manager at the default XDG data
// location.
func NewBasicManager() (*BasicManager, error) {
	path, err := xdg.DataFile(filepath.Join("authmux", "secrets.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets file path: %w", err)
	}
	return NewBasicManagerAt(path)
}

// NewBasicManagerAt creates a file-backed manager at an explicit path.
func NewBasicManagerAt(path string) (*BasicManager, error) {
	manager := &BasicManager{
		filePath: path,
		secrets:  make(map[string]string),
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return manager, nil
		}
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	var stored fileStructure
	if err := json.Unmarshal(contents, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	if stored.Secrets != nil {
		manager.secrets = stored.Secrets
	}
	return manager, nil
}

// GetSecret retrieves a secret from the secret store.
func (b *BasicManager) GetSecret(name string) (string, error) {
	if name == "" {
		return "", errors.New("secret name cannot be empty")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// SetSecret stores a secret in the secret store.
func (b *BasicManager) SetSecret(name, value string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.secrets[name] = value
	return b.updateFile()
}

// DeleteSecret removes a secret from the secret store.
func (b *BasicManager) DeleteSecret(name string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.secrets[name]; !exists {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	delete(b.secrets, name)
	return b.updateFile()
}

// ListSecrets returns a list of all secret names stored in the manager.
func (b *BasicManager) ListSecrets() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	secretNames := make([]string, 0, len(b.secrets))
	for name := range b.secrets {
		secretNames = append(secretNames, name)
	}

	return secretNames, nil
}

// Cleanup is a no-op for the basic backend.
func (*BasicManager) Cleanup() error {
	return nil
}

func (b *BasicManager) updateFile() error {
	contents, err := json.Marshal(fileStructure{Secrets: b.secrets})
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.filePath), 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	secretsFile, err := os.OpenFile(b.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open secrets file: %w", err)
	}
	defer secretsFile.Close()

	_, err = secretsFile.Write(contents)
	if err != nil {
		return fmt.Errorf("failed to write secrets to file: %w", err)
	}
	return nil
}

// fileStructure is the structure of the secrets file.
type fileStructure struct {
	Secrets map[string]string `json:"secrets"`
}
