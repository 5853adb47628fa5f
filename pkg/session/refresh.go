package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	autherr "github.com/authmux/authmux/pkg/errors"
	"github.com/authmux/authmux/pkg/logger"
	"github.com/authmux/authmux/pkg/oauth"
	"github.com/authmux/authmux/pkg/scopes"
)

// minRefreshDelay is the floor for scheduled refreshes so a token already
// inside its lead window does not cause a hot loop.
const minRefreshDelay = 10 * time.Second

// Refresh renews a session's access token using its refresh token. The
// session table is only locked to snapshot and to apply the result; the
// token round-trip happens outside the lock.
func (s *Store) Refresh(ctx context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	sess := s.findByIDLocked(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("unknown session: %s", sessionID)
	}
	if sess.RefreshToken == "" {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("session %s has no refresh token", sessionID)
	}
	providerID := sess.Provider
	scopeSet := sess.Scopes
	refreshToken := sess.RefreshToken
	s.mu.Unlock()

	provider, err := s.registry.Get(providerID)
	if err != nil {
		return Session{}, err
	}
	cfg, err := oauth.NewConfig(provider, scopeSet, 0)
	if err != nil {
		return Session{}, err
	}

	// A token source seeded with only the refresh token performs the
	// refresh grant immediately.
	seed := &oauth2.Token{RefreshToken: refreshToken}
	token, err := cfg.OAuth2Config("").TokenSource(ctx, seed).Token()
	if err != nil {
		return Session{}, classifyRefreshError(err)
	}

	s.mu.Lock()
	sess = s.findByIDLocked(sessionID)
	if sess == nil {
		// Removed while we were refreshing; drop the result.
		s.mu.Unlock()
		return Session{}, fmt.Errorf("session %s was removed", sessionID)
	}
	sess.AccessToken = token.AccessToken
	sess.Expiry = token.Expiry
	if token.RefreshToken != "" && token.RefreshToken != sess.RefreshToken {
		// Some providers rotate refresh tokens on every grant.
		sess.RefreshToken = token.RefreshToken
	}
	copied := *sess
	s.mu.Unlock()

	s.persistSession(&copied)
	s.scheduleRefresh(copied.ID, copied.Expiry)

	logger.Debugw("session refreshed", "provider", copied.Provider, "account", copied.Account)
	return copied, nil
}

// scheduleRefresh arms the background refresh timer for a session, shortly
// before its expiry. Sessions without a refresh token are left alone.
func (s *Store) scheduleRefresh(sessionID string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findByIDLocked(sessionID)
	if sess == nil || sess.RefreshToken == "" || sess.invalid {
		return
	}

	delay := time.Until(expiry) - s.refreshLead
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}

	if sess.refreshTimer != nil {
		sess.refreshTimer.Stop()
	}
	sess.refreshTimer = time.AfterFunc(delay, func() {
		s.backgroundRefresh(sessionID)
	})
}

// backgroundRefresh retries a failing refresh with exponential backoff up
// to the configured bound, then marks the session invalid so the next
// Acquire starts a fresh interactive flow. Transient failures are invisible
// to callers unless retries exhaust.
func (s *Store) backgroundRefresh(sessionID string) {
	operation := func() (Session, error) {
		sess, err := s.Refresh(s.baseCtx, sessionID)
		if err != nil && !autherr.IsNetwork(err) {
			// Provider rejected the grant; retrying cannot help.
			return Session{}, backoff.Permanent(err)
		}
		return sess, err
	}

	_, err := backoff.Retry(
		s.baseCtx,
		operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.maxRefreshRetries)),
	)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	logger.Warnw("background refresh exhausted, invalidating session",
		"session", sessionID, "error", err)
	s.invalidate(sessionID)
}

// invalidate marks a session unusable for silent reuse and removes its
// persisted refresh token so it cannot resurrect on restart.
func (s *Store) invalidate(sessionID string) {
	s.mu.Lock()
	sess := s.findByIDLocked(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return
	}
	sess.invalid = true
	if sess.refreshTimer != nil {
		sess.refreshTimer.Stop()
	}
	provider, account, scopeSet := sess.Provider, sess.Account, sess.Scopes
	s.mu.Unlock()

	if s.secretsMgr != nil {
		if err := s.secretsMgr.DeleteSecret(secretName(provider, account, scopeSet)); err != nil {
			logger.Debugf("could not delete persisted session secret: %v", err)
		}
	}
}

// findByIDLocked returns the live session with the given ID. Callers hold
// s.mu.
func (s *Store) findByIDLocked(sessionID string) *Session {
	for _, sess := range s.sessions {
		if sess.ID == sessionID {
			return sess
		}
	}
	return nil
}

// classifyRefreshError separates transient network failures (retryable)
// from provider rejections (terminal).
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return autherr.NewNetworkError("token endpoint unavailable", err)
		}
		return fmt.Errorf("refresh rejected by provider: %w", err)
	}
	return autherr.NewNetworkError("token refresh failed", err)
}

// persistedSession is the JSON record stored in secure storage. Only the
// refresh token is persisted; access tokens are short-lived and
// regenerated on restore.
type persistedSession struct {
	Provider     string    `json:"provider"`
	Account      string    `json:"account"`
	Scopes       string    `json:"scopes"`
	ClientID     string    `json:"client_id,omitempty"`
	Tenant       string    `json:"tenant,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// persistSession writes the session's refresh token through the
// secure-storage interface. Storage failures are logged and otherwise
// ignored: the session stays usable in memory for the current run.
func (s *Store) persistSession(sess *Session) {
	if s.secretsMgr == nil || sess.RefreshToken == "" {
		return
	}

	record := persistedSession{
		Provider:     sess.Provider,
		Account:      sess.Account,
		Scopes:       sess.Scopes.String(),
		ClientID:     sess.Scopes.ClientID(),
		Tenant:       sess.Scopes.TenantID(),
		RefreshToken: sess.RefreshToken,
		Expiry:       sess.Expiry,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		logger.Warnf("failed to encode session for storage: %v", err)
		return
	}

	name := secretName(sess.Provider, sess.Account, sess.Scopes)
	if err := s.secretsMgr.SetSecret(name, string(raw)); err != nil {
		storageErr := autherr.NewStorageError("failed to persist refresh token", err)
		logger.Warnw("session will be in-memory only", "error", storageErr)
	}
}

// Restore loads persisted sessions from secure storage. Restored sessions
// carry no access token and an elapsed expiry, so the next Acquire renews
// them silently via their refresh token instead of prompting the user.
func (s *Store) Restore(ctx context.Context) error {
	if s.secretsMgr == nil {
		return nil
	}

	names, err := s.secretsMgr.ListSecrets()
	if err != nil {
		return autherr.NewStorageError("failed to list persisted sessions", err)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !strings.HasPrefix(name, "session/") {
			continue
		}
		raw, err := s.secretsMgr.GetSecret(name)
		if err != nil {
			logger.Warnf("failed to read persisted session %s: %v", name, err)
			continue
		}
		var record persistedSession
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			logger.Warnf("failed to parse persisted session %s: %v", name, err)
			continue
		}

		provider, err := s.registry.Get(record.Provider)
		if err != nil {
			// Provider not registered in this run; leave the record for
			// a run that has it.
			logger.Debugf("skipping persisted session for unregistered provider %s", record.Provider)
			continue
		}

		requested := record.Scopes
		if record.ClientID != "" {
			requested += " " + scopes.ReservedPrefix + "client-id=" + record.ClientID
		}
		if record.Tenant != "" {
			requested += " " + scopes.ReservedPrefix + "tenant=" + record.Tenant
		}
		set, err := scopes.Normalize(provider, requested)
		if err != nil {
			logger.Warnf("failed to restore scopes for %s: %v", name, err)
			continue
		}

		sess := &Session{
			ID:           uuid.NewString(),
			Provider:     record.Provider,
			Account:      record.Account,
			Scopes:       set,
			RefreshToken: record.RefreshToken,
			// Already elapsed: forces a silent refresh before first use.
			Expiry:    time.Now().Add(-time.Second),
			CreatedAt: time.Now(),
		}

		s.mu.Lock()
		key := sessionKey(sess.Provider, sess.Account, set)
		if _, exists := s.sessions[key]; !exists {
			s.sessions[key] = sess
		}
		s.mu.Unlock()
		logger.Debugw("restored persisted session", "provider", sess.Provider, "account", sess.Account)
	}

	return nil
}
