// Package providers maps provider identifiers to endpoint configuration and
// client credentials. Configs are loaded at startup and read-only thereafter;
// the registry hands out copies so callers can never mutate shared state.
package providers

import (
	"fmt"
	"strings"

	"github.com/authmux/authmux/pkg/networking"
)

// tenantPlaceholder is the token replaced in endpoint URLs when a tenant is
// selected, e.g. "https://login.example.com/{tenant}/oauth2/authorize".
const tenantPlaceholder = "{tenant}"

// Config describes a single account provider. It is immutable once
// registered.
type Config struct {
	// ID is the provider identifier, e.g. "github" or "microsoft".
	ID string `mapstructure:"id"`

	// Issuer is the OIDC issuer URL. When set and the endpoints below are
	// empty, they are filled in via OIDC discovery at registration time.
	Issuer string `mapstructure:"issuer"`

	// AuthorizationEndpoint is the authorization-code grant endpoint.
	AuthorizationEndpoint string `mapstructure:"authorization_endpoint"`

	// TokenEndpoint is the token exchange endpoint.
	TokenEndpoint string `mapstructure:"token_endpoint"`

	// DeviceAuthEndpoint is the RFC 8628 device authorization endpoint.
	// Optional; providers without it only support the loopback flow.
	DeviceAuthEndpoint string `mapstructure:"device_auth_endpoint"`

	// ClientID is the OAuth client ID registered for this tool.
	ClientID string `mapstructure:"client_id"`

	// ClientSecret is the OAuth client secret (optional for PKCE flows).
	ClientSecret string `mapstructure:"client_secret"`

	// DefaultScopes are always requested, in addition to caller scopes.
	DefaultScopes []string `mapstructure:"default_scopes"`

	// TenantTemplate is the value substituted for the "{tenant}"
	// placeholder in endpoint URLs when the request does not carry an
	// explicit tenant scope, e.g. "common" or "organizations".
	TenantTemplate string `mapstructure:"tenant_template"`
}

// Validate checks that the config is complete enough to register.
// Endpoints may be empty if an issuer is set; discovery fills them in.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider ID is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %s: client ID is required", c.ID)
	}
	if c.Issuer == "" && (c.AuthorizationEndpoint == "" || c.TokenEndpoint == "") {
		return fmt.Errorf("provider %s: either issuer or authorization and token endpoints are required", c.ID)
	}
	for _, endpoint := range []string{c.Issuer, c.AuthorizationEndpoint, c.TokenEndpoint, c.DeviceAuthEndpoint} {
		if endpoint == "" {
			continue
		}
		// Endpoint templates are validated with the tenant substituted so
		// the placeholder does not trip URL parsing.
		resolved := strings.ReplaceAll(endpoint, tenantPlaceholder, "common")
		if err := networking.ValidateEndpointURL(resolved); err != nil {
			return fmt.Errorf("provider %s: invalid endpoint %s: %w", c.ID, endpoint, err)
		}
	}
	return nil
}

// ForTenant returns a copy of the config with the tenant placeholder in all
// endpoint URLs replaced. An empty tenant falls back to the configured
// TenantTemplate.
func (c Config) ForTenant(tenant string) Config {
	if tenant == "" {
		tenant = c.TenantTemplate
	}
	if tenant == "" {
		return c.clone()
	}
	out := c.clone()
	out.AuthorizationEndpoint = strings.ReplaceAll(out.AuthorizationEndpoint, tenantPlaceholder, tenant)
	out.TokenEndpoint = strings.ReplaceAll(out.TokenEndpoint, tenantPlaceholder, tenant)
	out.DeviceAuthEndpoint = strings.ReplaceAll(out.DeviceAuthEndpoint, tenantPlaceholder, tenant)
	return out
}

// SupportsDeviceFlow reports whether the provider advertises a device
// authorization endpoint.
func (c Config) SupportsDeviceFlow() bool {
	return c.DeviceAuthEndpoint != ""
}

func (c Config) clone() Config {
	out := c
	out.DefaultScopes = append([]string(nil), c.DefaultScopes...)
	return out
}
