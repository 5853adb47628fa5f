package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	autherr "github.com/authmux/authmux/pkg/errors"
)

// discoveryTimeout bounds the well-known metadata fetch.
const discoveryTimeout = 30 * time.Second

// maxDiscoveryBody caps the discovery document size to avoid unbounded reads
// from a misbehaving endpoint.
const maxDiscoveryBody = 1 << 20

// DiscoveryDocument is the subset of the OIDC provider metadata that the
// session broker needs.
type DiscoveryDocument struct {
	Issuer                      string `json:"issuer"`
	AuthorizationEndpoint       string `json:"authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
}

// DiscoverEndpoints fetches {issuer}/.well-known/openid-configuration and
// returns the advertised endpoints. The issuer in the document must match
// the requested issuer.
func DiscoverEndpoints(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	wellKnown := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, autherr.NewNetworkError("OIDC discovery request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
		return nil, fmt.Errorf("OIDC discovery returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	// The advertised issuer must match what we asked for, otherwise a
	// compromised or misconfigured endpoint could redirect token traffic.
	if strings.TrimRight(doc.Issuer, "/") != strings.TrimRight(issuer, "/") {
		return nil, fmt.Errorf("issuer mismatch: requested %s, document says %s", issuer, doc.Issuer)
	}

	return &doc, nil
}
