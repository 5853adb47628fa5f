// Package secrets contains the secure-storage layer used to persist refresh
// tokens across runs. The session store treats this layer as best-effort:
// storage failures degrade to in-memory-only sessions and never abort an
// otherwise-successful acquisition.
package secrets

import "errors"

// ErrSecretNotFound indicates that the requested secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Manager describes a type which can manage secrets.
type Manager interface {
	GetSecret(name string) (string, error)
	SetSecret(name, value string) error
	DeleteSecret(name string) error
	ListSecrets() ([]string, error)
	Cleanup() error
}

// ManagerType identifies a secrets backend.
type ManagerType string

const (
	// KeyringType uses the operating system keyring.
	KeyringType ManagerType = "keyring"
	// BasicType uses an unencrypted file, for development only.
	BasicType ManagerType = "basic"
	// NoneType disables persistence; sessions live in memory only.
	NoneType ManagerType = "none"
)

// NewManager builds a secrets manager of the given type. NoneType returns
// a nil Manager, which callers treat as "do not persist".
func NewManager(managerType ManagerType) (Manager, error) {
	switch managerType {
	case KeyringType:
		return NewKeyringManager(), nil
	case BasicType:
		return NewBasicManager()
	case NoneType:
		return nil, nil
	default:
		return nil, errors.New("unknown secrets manager type: " + string(managerType))
	}
}
