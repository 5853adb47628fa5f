package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/viper"

	"github.com/authmux/authmux/pkg/logger"
)

// Registry holds the set of registered providers. It is safe for concurrent
// use; registration normally happens once at startup but extensions may
// attach providers at runtime.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]Config),
	}
}

// Register validates and stores a provider config. Endpoints missing from
// the config are resolved via OIDC discovery when an issuer is present.
// Registering an already-known provider ID is an error; configs are
// immutable once registered.
func (r *Registry) Register(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid provider config: %w", err)
	}

	if cfg.Issuer != "" && (cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "") {
		doc, err := DiscoverEndpoints(ctx, cfg.Issuer)
		if err != nil {
			return fmt.Errorf("failed to discover endpoints for provider %s: %w", cfg.ID, err)
		}
		if cfg.AuthorizationEndpoint == "" {
			cfg.AuthorizationEndpoint = doc.AuthorizationEndpoint
		}
		if cfg.TokenEndpoint == "" {
			cfg.TokenEndpoint = doc.TokenEndpoint
		}
		if cfg.DeviceAuthEndpoint == "" {
			cfg.DeviceAuthEndpoint = doc.DeviceAuthorizationEndpoint
		}
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return fmt.Errorf("provider %s: discovery did not yield authorization and token endpoints", cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[cfg.ID]; exists {
		return fmt.Errorf("provider %s is already registered", cfg.ID)
	}
	r.configs[cfg.ID] = cfg.clone()
	logger.Debugw("registered provider", "provider", cfg.ID, "device_flow", cfg.SupportsDeviceFlow())
	return nil
}

// Get returns the config for a provider ID.
func (r *Registry) Get(id string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[id]
	if !ok {
		return Config{}, fmt.Errorf("unknown provider: %s", id)
	}
	return cfg.clone(), nil
}

// List returns all registered configs sorted by provider ID.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadFile reads provider configs from a YAML file under the "providers"
// key. The file format matches the mapstructure tags on Config.
func LoadFile(path string) ([]Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read provider config file: %w", err)
	}

	var configs []Config
	if err := v.UnmarshalKey("providers", &configs); err != nil {
		return nil, fmt.Errorf("failed to parse provider config file: %w", err)
	}
	return configs, nil
}
