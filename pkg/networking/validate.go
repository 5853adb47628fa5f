package networking

import (
	"fmt"
	"net/url"
)

// ValidateEndpointURL checks that a provider endpoint URL is well formed and
// uses a safe scheme. HTTPS is required everywhere except localhost, which
// is permitted over plain HTTP for local development providers.
func ValidateEndpointURL(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL %s has no host", endpoint)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		hostname := parsed.Hostname()
		if hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1" {
			return nil
		}
		return fmt.Errorf("plain HTTP is only allowed for localhost, got %s", endpoint)
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
}
