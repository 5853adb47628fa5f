// Package oauth implements the two token acquisition protocols used by the
// session broker: the authorization-code grant completed through a local
// loopback callback server, and the RFC 8628 device-authorization grant for
// headless contexts.
package oauth

import (
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/authmux/authmux/pkg/networking"
	"github.com/authmux/authmux/pkg/providers"
	"github.com/authmux/authmux/pkg/scopes"
)

// DefaultFlowTimeout bounds a whole interactive flow, including the time the
// user spends approving in a browser or on a second device.
const DefaultFlowTimeout = 5 * time.Minute

// Config contains the resolved configuration for one flow attempt: provider
// endpoints with tenant placeholders expanded and scope-level overrides
// applied.
type Config struct {
	// ClientID is the OAuth client ID
	ClientID string

	// ClientSecret is the OAuth client secret (optional for PKCE flow)
	ClientSecret string

	// AuthURL is the authorization endpoint URL
	AuthURL string

	// TokenURL is the token endpoint URL
	TokenURL string

	// DeviceAuthURL is the device authorization endpoint URL (optional)
	DeviceAuthURL string

	// Scopes are the canonical scopes to request
	Scopes []string

	// UsePKCE enables PKCE (Proof Key for Code Exchange)
	UsePKCE bool

	// CallbackPort is the port for the loopback callback server
	// (0 means auto-select)
	CallbackPort int

	// Timeout is the absolute time budget for one flow attempt.
	// Zero means DefaultFlowTimeout.
	Timeout time.Duration
}

// NewConfig resolves a provider config and a normalized scope set into a
// flow config: the tenant placeholder is expanded, client-id overrides from
// reserved scopes are applied, and endpoints are validated.
func NewConfig(provider providers.Config, set scopes.Set, callbackPort int) (*Config, error) {
	resolved := provider.ForTenant(set.TenantID())

	clientID := resolved.ClientID
	if set.ClientID() != "" {
		clientID = set.ClientID()
	}
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if resolved.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("authorization URL is required")
	}
	if resolved.TokenEndpoint == "" {
		return nil, fmt.Errorf("token URL is required")
	}

	if err := networking.ValidateEndpointURL(resolved.AuthorizationEndpoint); err != nil {
		return nil, fmt.Errorf("invalid authorization URL: %w", err)
	}
	if err := networking.ValidateEndpointURL(resolved.TokenEndpoint); err != nil {
		return nil, fmt.Errorf("invalid token URL: %w", err)
	}
	if resolved.DeviceAuthEndpoint != "" {
		if err := networking.ValidateEndpointURL(resolved.DeviceAuthEndpoint); err != nil {
			return nil, fmt.Errorf("invalid device authorization URL: %w", err)
		}
	}

	return &Config{
		ClientID:      clientID,
		ClientSecret:  resolved.ClientSecret,
		AuthURL:       resolved.AuthorizationEndpoint,
		TokenURL:      resolved.TokenEndpoint,
		DeviceAuthURL: resolved.DeviceAuthEndpoint,
		Scopes:        set.Scopes(),
		UsePKCE:       true,
		CallbackPort:  callbackPort,
		Timeout:       DefaultFlowTimeout,
	}, nil
}

// FlowTimeout returns the configured timeout, or the default when unset.
func (c *Config) FlowTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultFlowTimeout
}

// OAuth2Config builds the golang.org/x/oauth2 config used for code exchange
// and refresh grants.
func (c *Config) OAuth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}
