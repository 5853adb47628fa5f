package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	autherr "github.com/authmux/authmux/pkg/errors"
	"github.com/authmux/authmux/pkg/logger"
	"github.com/authmux/authmux/pkg/oauth"
	"github.com/authmux/authmux/pkg/providers"
	"github.com/authmux/authmux/pkg/scopes"
	"github.com/authmux/authmux/pkg/secrets"
)

const (
	// defaultRefreshLead is how long before expiry a background refresh is
	// attempted.
	defaultRefreshLead = 5 * time.Minute

	// defaultMaxRefreshRetries bounds background refresh attempts before a
	// session is marked invalid.
	defaultMaxRefreshRetries = 5
)

// pendingRequest is the shared in-flight acquisition record for one session
// key. All concurrent callers for that key attach to it and receive the
// identical result.
type pendingRequest struct {
	done    chan struct{}
	session Session
	err     error

	// waiters and cancel are guarded by the store mutex. When the last
	// waiter gives up, cancel tears down the underlying flow.
	waiters int
	cancel  context.CancelFunc
}

// Store is the session registry. A single mutex serializes all table
// mutations; network I/O and user-paced waits always happen outside it.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*pendingRequest

	registry   *providers.Registry
	broker     Broker
	secretsMgr secrets.Manager

	refreshLead       time.Duration
	maxRefreshRetries int

	// baseCtx parents every flow and background refresh so Close can tear
	// everything down.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// Option configures a Store.
type Option func(*Store)

// WithBroker replaces the default flow broker.
func WithBroker(b Broker) Option {
	return func(s *Store) { s.broker = b }
}

// WithSecrets sets the secure-storage backend for refresh tokens. Without
// one, sessions are in-memory only.
func WithSecrets(m secrets.Manager) Option {
	return func(s *Store) { s.secretsMgr = m }
}

// WithRefreshLead sets how long before expiry background refresh runs.
func WithRefreshLead(d time.Duration) Option {
	return func(s *Store) { s.refreshLead = d }
}

// WithMaxRefreshRetries bounds background refresh attempts.
func WithMaxRefreshRetries(n int) Option {
	return func(s *Store) { s.maxRefreshRetries = n }
}

// NewStore creates a session store over the given provider registry.
func NewStore(registry *providers.Registry, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		sessions:          make(map[string]*Session),
		pending:           make(map[string]*pendingRequest),
		registry:          registry,
		broker:            NewFlowBroker(0, true, nil),
		refreshLead:       defaultRefreshLead,
		maxRefreshRetries: defaultMaxRefreshRetries,
		baseCtx:           ctx,
		baseCancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterProvider registers a provider config with the underlying
// registry. Extensions call this to plug additional providers into the same
// store.
func (s *Store) RegisterProvider(ctx context.Context, cfg providers.Config) error {
	return s.registry.Register(ctx, cfg)
}

// Acquire returns a session for (provider, account, scopes), reusing a
// cached one where the policy allows, attaching to an in-flight acquisition
// for the same key, or starting a new flow.
//
// Reuse policy: a valid session for the same provider and account whose
// scope set is a superset of the request serves the request (narrowing
// never re-authenticates). Widening always starts a new flow.
func (s *Store) Acquire(
	ctx context.Context,
	providerID, accountHint, requestedScopes string,
	interactive bool,
) (Session, error) {
	provider, err := s.registry.Get(providerID)
	if err != nil {
		return Session{}, err
	}
	set, err := scopes.Normalize(provider, requestedScopes)
	if err != nil {
		return Session{}, err
	}

	// Fast path: cached session, possibly after a silent refresh.
	s.mu.Lock()
	candidate := s.findLocked(providerID, accountHint, set)
	if candidate != nil && candidate.usable() {
		copied := *candidate
		s.mu.Unlock()
		return copied, nil
	}
	var refreshID string
	if candidate != nil && candidate.refreshable() {
		refreshID = candidate.ID
	}
	s.mu.Unlock()

	if refreshID != "" {
		refreshed, err := s.Refresh(ctx, refreshID)
		if err == nil {
			return refreshed, nil
		}
		if autherr.IsNetwork(err) {
			// Transient; surface instead of forcing a new interactive flow.
			return Session{}, err
		}
		logger.Warnw("silent refresh failed, starting new flow", "provider", providerID, "error", err)
	}

	// Single-flight: attach to an existing pending request or create one.
	key := sessionKey(providerID, accountHint, set)

	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		p.waiters++
		s.mu.Unlock()
		return s.waitPending(ctx, key, p)
	}

	flowCtx, cancel := context.WithCancel(s.baseCtx)
	p := &pendingRequest{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	s.pending[key] = p
	s.mu.Unlock()

	go s.runFlow(flowCtx, key, p, provider, set, accountHint, interactive)
	return s.waitPending(ctx, key, p)
}

// waitPending blocks until the pending request resolves or the caller's
// context is cancelled. Cancelling one waiter leaves the others untouched;
// the last waiter to leave tears down the flow.
func (s *Store) waitPending(ctx context.Context, key string, p *pendingRequest) (Session, error) {
	select {
	case <-p.done:
		return p.session, p.err
	case <-ctx.Done():
		s.mu.Lock()
		p.waiters--
		last := p.waiters == 0
		if last && s.pending[key] == p {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		if last {
			p.cancel()
		}
		return Session{}, fmt.Errorf("acquire cancelled: %w", ctx.Err())
	}
}

// runFlow executes the broker flow and resolves the pending request with
// one result for every waiter.
func (s *Store) runFlow(
	ctx context.Context,
	key string,
	p *pendingRequest,
	provider providers.Config,
	set scopes.Set,
	accountHint string,
	interactive bool,
) {
	defer p.cancel()

	result, err := s.broker.Acquire(ctx, provider, set, interactive)

	var sess Session
	if err == nil {
		sess = s.storeSession(provider.ID, accountHint, set, result)
	}

	s.mu.Lock()
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	p.session = sess
	p.err = err
	s.mu.Unlock()
	close(p.done)
}

// findLocked looks for a reusable session. An empty account hint matches
// any account on the provider. Callers hold s.mu.
func (s *Store) findLocked(providerID, account string, set scopes.Set) *Session {
	var best *Session
	for _, sess := range s.sessions {
		if sess.Provider != providerID || sess.invalid {
			continue
		}
		if account != "" && sess.Account != account {
			continue
		}
		if !sess.Scopes.IsSupersetOf(set) {
			continue
		}
		// Prefer an exact scope match over a superset, and a usable
		// session over one needing refresh.
		if best == nil {
			best = sess
			continue
		}
		if sess.Scopes.Equal(set) && !best.Scopes.Equal(set) {
			best = sess
			continue
		}
		if sess.usable() && !best.usable() {
			best = sess
		}
	}
	return best
}

// storeSession records a flow result as a session, persists its refresh
// token, and schedules background refresh. The account identity prefers
// token claims over the caller's hint.
func (s *Store) storeSession(providerID, accountHint string, set scopes.Set, result *oauth.TokenResult) Session {
	account := result.Account()
	if account == "" {
		account = accountHint
	}
	if account == "" {
		account = "default"
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Provider:     providerID,
		Account:      account,
		Scopes:       set,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       result.Expiry,
		CreatedAt:    time.Now(),
	}

	key := sessionKey(providerID, account, set)

	s.mu.Lock()
	if old, ok := s.sessions[key]; ok && old.refreshTimer != nil {
		old.refreshTimer.Stop()
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	s.persistSession(sess)
	s.scheduleRefresh(sess.ID, sess.Expiry)

	logger.Infow("session established", "provider", providerID, "account", account)
	return *sess
}

// Sessions returns copies of all valid sessions for a provider. An empty
// provider ID returns sessions for every provider.
func (s *Store) Sessions(providerID string) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.invalid {
			continue
		}
		if providerID != "" && sess.Provider != providerID {
			continue
		}
		out = append(out, *sess)
	}
	return out
}

// Remove signs a session out: its refresh timer stops, its persisted
// refresh token is deleted, and the entry is dropped.
func (s *Store) Remove(sessionID string) error {
	s.mu.Lock()
	var key string
	var sess *Session
	for k, candidate := range s.sessions {
		if candidate.ID == sessionID {
			key, sess = k, candidate
			break
		}
	}
	if sess == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if sess.refreshTimer != nil {
		sess.refreshTimer.Stop()
	}
	delete(s.sessions, key)
	provider, account, scopeSet := sess.Provider, sess.Account, sess.Scopes
	s.mu.Unlock()

	if s.secretsMgr != nil {
		if err := s.secretsMgr.DeleteSecret(secretName(provider, account, scopeSet)); err != nil {
			logger.Debugf("could not delete persisted session secret: %v", err)
		}
	}
	logger.Infow("session removed", "provider", provider, "account", account)
	return nil
}

// Close tears the store down: all pending flows are cancelled and refresh
// timers stopped. Intended for host shutdown.
func (s *Store) Close() {
	s.baseCancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.refreshTimer != nil {
			sess.refreshTimer.Stop()
		}
	}
	for key, p := range s.pending {
		p.cancel()
		delete(s.pending, key)
	}
}
