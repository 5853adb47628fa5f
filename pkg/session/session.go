// Package session implements the session store: an in-memory registry of
// authenticated sessions keyed by (provider, account, canonical scope set).
// The store owns token refresh scheduling and deduplicates concurrent
// acquisition requests for the same key, so several callers asking for the
// same permissions share a single browser window or device code.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/authmux/authmux/pkg/scopes"
)

// Session is an authenticated identity for one (provider, account, scope
// set) triple. Sessions are owned exclusively by the Store: they are
// mutated only by refresh and destroyed on explicit removal or terminal
// refresh failure. Callers receive value copies.
type Session struct {
	// ID uniquely identifies this session for removal.
	ID string

	// Provider is the provider ID the session belongs to.
	Provider string

	// Account identifies the signed-in account, derived from token claims
	// where possible.
	Account string

	// Scopes is the canonical scope set the token was issued for.
	Scopes scopes.Set

	// AccessToken is the current access token.
	AccessToken string

	// RefreshToken allows silent renewal; empty if the provider did not
	// issue one.
	RefreshToken string

	// Expiry is when the access token expires.
	Expiry time.Time

	// CreatedAt is when the session was first established.
	CreatedAt time.Time

	// invalid is set after refresh retries are exhausted; an invalid
	// session is never reused silently.
	invalid bool

	// refreshTimer drives the background refresh; owned by the store.
	refreshTimer *time.Timer
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired() bool {
	return !s.Expiry.IsZero() && time.Now().After(s.Expiry)
}

// usable reports whether the session can serve a request right now without
// any network round-trip.
func (s *Session) usable() bool {
	return !s.invalid && !s.Expired()
}

// refreshable reports whether an expired session can be renewed silently.
func (s *Session) refreshable() bool {
	return !s.invalid && s.RefreshToken != ""
}

// sessionKey computes the cache key for a (provider, account, scope set)
// triple. The canonical scope key makes this deterministic.
func sessionKey(provider, account string, set scopes.Set) string {
	return provider + "\x1f" + account + "\x1f" + set.Key()
}

// secretName derives the secure-storage name for a session's refresh
// token. The scope key is hashed because storage backends restrict key
// charsets and length.
func secretName(provider, account string, set scopes.Set) string {
	sum := sha256.Sum256([]byte(set.Key()))
	return fmt.Sprintf("session/%s/%s/%s", provider, account, hex.EncodeToString(sum[:8]))
}
