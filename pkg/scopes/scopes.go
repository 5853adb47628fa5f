// Package scopes canonicalizes requested permission-scope strings against
// provider rules. The canonical form is deterministic and doubles as the
// session cache key, so ordering and whitespace stability here is
// load-bearing: any instability causes spurious cache misses or collisions
// between different logical permission sets.
package scopes

import (
	"fmt"
	"sort"
	"strings"

	autherr "github.com/authmux/authmux/pkg/errors"
	"github.com/authmux/authmux/pkg/providers"
)

const (
	// ReservedPrefix marks scopes that carry tool-level directives rather
	// than provider permissions. They are parsed and stripped before the
	// scope string leaves the process.
	ReservedPrefix = "authmux:"

	// InternalPrefix marks tool-only scopes that must never be sent to a
	// provider. They are dropped silently.
	InternalPrefix = "internal:"

	clientIDKey = "client-id"
	tenantKey   = "tenant"
)

// Set is a canonicalized, deduplicated, lexicographically ordered scope set
// plus the client/tenant overrides extracted from reserved scopes. The zero
// value is an empty set.
type Set struct {
	scopes   []string
	clientID string
	tenantID string
}

// Normalize canonicalizes a space-separated scope string against a provider
// config. It unions the provider's default scopes, drops internal scopes,
// extracts client-id/tenant overrides from reserved scopes, deduplicates and
// sorts. Returns an invalid_scope error for malformed tokens or unknown
// reserved keys.
func Normalize(cfg providers.Config, requested string) (Set, error) {
	var set Set
	seen := make(map[string]struct{})

	add := func(scope string) error {
		if strings.HasPrefix(scope, InternalPrefix) {
			return nil
		}
		if strings.HasPrefix(scope, ReservedPrefix) {
			return set.applyReserved(scope)
		}
		if err := validateToken(scope); err != nil {
			return err
		}
		if _, dup := seen[scope]; !dup {
			seen[scope] = struct{}{}
			set.scopes = append(set.scopes, scope)
		}
		return nil
	}

	for _, scope := range strings.Fields(requested) {
		if err := add(scope); err != nil {
			return Set{}, err
		}
	}
	for _, scope := range cfg.DefaultScopes {
		if err := add(scope); err != nil {
			return Set{}, err
		}
	}

	sort.Strings(set.scopes)
	return set, nil
}

// applyReserved parses an "authmux:<key>=<value>" scope.
func (s *Set) applyReserved(scope string) error {
	body := strings.TrimPrefix(scope, ReservedPrefix)
	key, value, found := strings.Cut(body, "=")
	if !found || value == "" {
		return autherr.NewInvalidScopeError(
			fmt.Sprintf("reserved scope %q must have the form %s<key>=<value>", scope, ReservedPrefix), nil)
	}
	switch key {
	case clientIDKey:
		s.clientID = value
	case tenantKey:
		s.tenantID = value
	default:
		return autherr.NewInvalidScopeError(fmt.Sprintf("unknown reserved scope key %q", key), nil)
	}
	return nil
}

// validateToken enforces the RFC 6749 scope-token charset: printable ASCII
// excluding space, double quote and backslash.
func validateToken(scope string) error {
	if scope == "" {
		return autherr.NewInvalidScopeError("empty scope token", nil)
	}
	for _, r := range scope {
		if r < 0x21 || r > 0x7e || r == '"' || r == '\\' {
			return autherr.NewInvalidScopeError(fmt.Sprintf("scope %q contains disallowed character %q", scope, r), nil)
		}
	}
	return nil
}

// Scopes returns a copy of the canonical scope list.
func (s Set) Scopes() []string {
	return append([]string(nil), s.scopes...)
}

// ClientID returns the client-id override extracted from reserved scopes,
// or empty if none was present.
func (s Set) ClientID() string {
	return s.clientID
}

// TenantID returns the tenant override extracted from reserved scopes,
// or empty if none was present.
func (s Set) TenantID() string {
	return s.tenantID
}

// String returns the canonical scope string sent to the provider:
// deduplicated, sorted, single-space separated.
func (s Set) String() string {
	return strings.Join(s.scopes, " ")
}

// Key returns the cache key for this set. Unlike String, it incorporates
// the client and tenant overrides: the same scopes under a different client
// or tenant are a different logical permission set.
func (s Set) Key() string {
	return s.String() + "\x00" + s.clientID + "\x00" + s.tenantID
}

// Contains reports whether the set includes the given scope.
func (s Set) Contains(scope string) bool {
	i := sort.SearchStrings(s.scopes, scope)
	return i < len(s.scopes) && s.scopes[i] == scope
}

// IsSupersetOf reports whether every scope in other is present in s and the
// client/tenant overrides match. Used for the subset-reuse policy: a cached
// session may serve a request for a subset of its scopes.
func (s Set) IsSupersetOf(other Set) bool {
	if s.clientID != other.clientID || s.tenantID != other.tenantID {
		return false
	}
	for _, scope := range other.scopes {
		if !s.Contains(scope) {
			return false
		}
	}
	return true
}

// Equal reports whether two sets are identical, overrides included.
func (s Set) Equal(other Set) bool {
	return s.Key() == other.Key()
}
