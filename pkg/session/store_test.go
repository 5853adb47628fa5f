package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authmux/authmux/pkg/oauth"
	"github.com/authmux/authmux/pkg/providers"
	"github.com/authmux/authmux/pkg/scopes"
	"github.com/authmux/authmux/pkg/secrets"
)

// fakeBroker counts flow starts and can block until released, so tests can
// control when concurrent callers attach.
type fakeBroker struct {
	mu     sync.Mutex
	calls  int
	block  chan struct{}
	result oauth.TokenResult
	err    error
}

func (b *fakeBroker) Acquire(
	ctx context.Context,
	_ providers.Config,
	_ scopes.Set,
	_ bool,
) (*oauth.TokenResult, error) {
	b.mu.Lock()
	b.calls++
	block := b.block
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	result := b.result
	return &result, nil
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// fakeSecrets is an in-memory secrets.Manager with optional write failure.
type fakeSecrets struct {
	mu      sync.Mutex
	data    map[string]string
	failSet bool
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{data: make(map[string]string)}
}

func (f *fakeSecrets) GetSecret(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, name)
	}
	return value, nil
}

func (f *fakeSecrets) SetSecret(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errors.New("keyring unavailable")
	}
	f.data[name] = value
	return nil
}

func (f *fakeSecrets) DeleteSecret(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[name]; !ok {
		return fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, name)
	}
	delete(f.data, name)
	return nil
}

func (f *fakeSecrets) ListSecrets() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.data))
	for name := range f.data {
		names = append(names, name)
	}
	return names, nil
}

func (*fakeSecrets) Cleanup() error { return nil }

func (f *fakeSecrets) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func testResult() oauth.TokenResult {
	return oauth.TokenResult{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

// newTestStore builds a registry with one provider and a store using the
// given broker. tokenURL overrides the provider token endpoint so refresh
// tests can point at an httptest server.
func newTestStore(t *testing.T, broker Broker, tokenURL string, opts ...Option) *Store {
	t.Helper()

	if tokenURL == "" {
		tokenURL = "https://provider.example/token"
	}
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(context.Background(), providers.Config{
		ID:                    "github",
		AuthorizationEndpoint: "https://provider.example/authorize",
		TokenEndpoint:         tokenURL,
		DeviceAuthEndpoint:    "https://provider.example/device",
		ClientID:              "test-client",
	}))

	opts = append([]Option{WithBroker(broker)}, opts...)
	store := NewStore(registry, opts...)
	t.Cleanup(store.Close)
	return store
}

func TestAcquireStartsOneFlowForConcurrentCallers(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult(), block: make(chan struct{})}
	store := newTestStore(t, broker, "")

	const callers = 5
	results := make(chan Session, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := store.Acquire(context.Background(), "github", "", "repo", true)
			results <- sess
			errs <- err
		}()
	}

	// Wait until the single flow is running, then let all callers attach
	// before releasing it.
	require.Eventually(t, func() bool { return broker.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(broker.block)
	wg.Wait()

	var first Session
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
		sess := <-results
		if i == 0 {
			first = sess
		} else {
			assert.Equal(t, first.ID, sess.ID, "all callers must share one session")
		}
	}
	assert.Equal(t, 1, broker.callCount(), "exactly one flow must run")
}

func TestAcquireReusesCachedSession(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "")

	first, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)

	second, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, broker.callCount())
}

func TestAcquireSubsetReusePolicy(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "")

	wide, err := store.Acquire(context.Background(), "github", "", "repo user", true)
	require.NoError(t, err)
	require.Equal(t, 1, broker.callCount())

	// Narrowing reuses the cached session.
	narrow, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	assert.Equal(t, wide.ID, narrow.ID)
	assert.Equal(t, 1, broker.callCount())

	// Widening requires a new flow.
	_, err = store.Acquire(context.Background(), "github", "", "repo user admin", true)
	require.NoError(t, err)
	assert.Equal(t, 2, broker.callCount())
}

func TestAcquireDistinctKeysRunSeparateFlows(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "")

	_, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	_, err = store.Acquire(context.Background(), "github", "", "gist", true)
	require.NoError(t, err)

	assert.Equal(t, 2, broker.callCount())
}

func TestAcquireFlowErrorReachesAllWaiters(t *testing.T) {
	t.Parallel()

	flowErr := errors.New("provider exploded")
	broker := &fakeBroker{err: flowErr, block: make(chan struct{})}
	store := newTestStore(t, broker, "")

	const callers = 3
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Acquire(context.Background(), "github", "", "repo", true)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return broker.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(broker.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		err := <-errs
		require.Error(t, err)
		assert.ErrorIs(t, err, flowErr)
	}
	assert.Equal(t, 1, broker.callCount())

	// A failed flow leaves nothing cached; the next acquire starts fresh.
	broker.mu.Lock()
	broker.err = nil
	broker.block = nil
	broker.mu.Unlock()
	_, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	assert.Equal(t, 2, broker.callCount())
}

func TestAcquireCancellingOneWaiterLeavesOthers(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult(), block: make(chan struct{})}
	store := newTestStore(t, broker, "")

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	errs1 := make(chan error, 1)
	go func() {
		_, err := store.Acquire(ctx1, "github", "", "repo", true)
		errs1 <- err
	}()
	require.Eventually(t, func() bool { return broker.callCount() == 1 }, time.Second, 5*time.Millisecond)

	sessions2 := make(chan Session, 1)
	errs2 := make(chan error, 1)
	go func() {
		sess, err := store.Acquire(context.Background(), "github", "", "repo", true)
		sessions2 <- sess
		errs2 <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// First caller gives up; the flow keeps running for the second.
	cancel1()
	err1 := <-errs1
	require.Error(t, err1)
	assert.ErrorIs(t, err1, context.Canceled)

	close(broker.block)
	require.NoError(t, <-errs2)
	sess := <-sessions2
	assert.Equal(t, "access-token", sess.AccessToken)
	assert.Equal(t, 1, broker.callCount())
}

func TestAcquireCancellingLastWaiterTearsDownFlow(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult(), block: make(chan struct{})}
	store := newTestStore(t, broker, "")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := store.Acquire(ctx, "github", "", "repo", true)
		errs <- err
	}()
	require.Eventually(t, func() bool { return broker.callCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	err := <-errs
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The flow context was cancelled, so the broker returned and nothing
	// was cached. A new acquire starts a second flow.
	broker.mu.Lock()
	broker.block = nil
	broker.mu.Unlock()
	_, err = store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	assert.Equal(t, 2, broker.callCount())
}

func TestAcquireUnknownProvider(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeBroker{result: testResult()}, "")
	_, err := store.Acquire(context.Background(), "nope", "", "repo", true)
	assert.Error(t, err)
}

func TestAcquireInvalidScopes(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "")

	_, err := store.Acquire(context.Background(), "github", "", "repo authmux:bogus=1", true)
	require.Error(t, err)
	assert.Equal(t, 0, broker.callCount())
}

// newRefreshEndpoint serves the refresh-token grant.
func newRefreshEndpoint(t *testing.T, status int, body map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRefreshUpdatesSession(t *testing.T) {
	t.Parallel()

	tokenServer := newRefreshEndpoint(t, http.StatusOK, map[string]interface{}{
		"access_token":  "renewed-token",
		"refresh_token": "rotated-refresh",
		"token_type":    "Bearer",
		"expires_in":    3600,
	})

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, tokenServer.URL)

	sess, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)

	refreshed, err := store.Refresh(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, refreshed.ID)
	assert.Equal(t, "renewed-token", refreshed.AccessToken)
	assert.Equal(t, "rotated-refresh", refreshed.RefreshToken)
	assert.True(t, refreshed.Expiry.After(time.Now()))
}

func TestBackgroundRefreshExhaustionForcesInteractiveFlow(t *testing.T) {
	t.Parallel()

	// The provider permanently rejects the refresh grant.
	tokenServer := newRefreshEndpoint(t, http.StatusBadRequest, map[string]interface{}{
		"error": "invalid_grant",
	})

	broker := &fakeBroker{result: testResult()}
	manager := newFakeSecrets()
	store := newTestStore(t, broker, tokenServer.URL,
		WithSecrets(manager), WithMaxRefreshRetries(2))

	sess, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	require.Equal(t, 1, broker.callCount())
	require.Equal(t, 1, manager.len())

	store.backgroundRefresh(sess.ID)

	// The session is no longer reusable silently and its persisted
	// refresh token is gone.
	assert.Empty(t, store.Sessions("github"))
	assert.Equal(t, 0, manager.len())

	// The next acquire must run a fresh interactive flow.
	_, err = store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	assert.Equal(t, 2, broker.callCount())
}

func TestPersistAndRestore(t *testing.T) {
	t.Parallel()

	tokenServer := newRefreshEndpoint(t, http.StatusOK, map[string]interface{}{
		"access_token": "restored-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	manager := newFakeSecrets()

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, tokenServer.URL, WithSecrets(manager))

	_, err := store.Acquire(context.Background(), "github", "alice", "repo", true)
	require.NoError(t, err)
	require.Equal(t, 1, manager.len())
	store.Close()

	// A fresh store restores the persisted session and renews it silently:
	// no interactive flow runs.
	broker2 := &fakeBroker{result: testResult()}
	store2 := newTestStore(t, broker2, tokenServer.URL, WithSecrets(manager))
	require.NoError(t, store2.Restore(context.Background()))

	restored := store2.Sessions("github")
	require.Len(t, restored, 1)

	sess, err := store2.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	assert.Equal(t, "restored-token", sess.AccessToken)
	assert.Equal(t, 0, broker2.callCount())
}

func TestStorageFailureDoesNotAbortAcquisition(t *testing.T) {
	t.Parallel()

	manager := newFakeSecrets()
	manager.failSet = true

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "", WithSecrets(manager))

	sess, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	assert.Equal(t, "access-token", sess.AccessToken)
	assert.Equal(t, 0, manager.len())
}

func TestRemoveDeletesSessionAndSecret(t *testing.T) {
	t.Parallel()

	manager := newFakeSecrets()
	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "", WithSecrets(manager))

	sess, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	require.Equal(t, 1, manager.len())

	require.NoError(t, store.Remove(sess.ID))
	assert.Empty(t, store.Sessions(""))
	assert.Equal(t, 0, manager.len())

	assert.Error(t, store.Remove(sess.ID), "removing twice must fail")
}

func TestSessionsFiltersByProvider(t *testing.T) {
	t.Parallel()

	registry := providers.NewRegistry()
	for _, id := range []string{"github", "gitlab"} {
		require.NoError(t, registry.Register(context.Background(), providers.Config{
			ID:                    id,
			AuthorizationEndpoint: "https://provider.example/authorize",
			TokenEndpoint:         "https://provider.example/token",
			ClientID:              "test-client",
		}))
	}
	broker := &fakeBroker{result: testResult()}
	store := NewStore(registry, WithBroker(broker))
	t.Cleanup(store.Close)

	_, err := store.Acquire(context.Background(), "github", "", "repo", true)
	require.NoError(t, err)
	_, err = store.Acquire(context.Background(), "gitlab", "", "api", true)
	require.NoError(t, err)

	assert.Len(t, store.Sessions(""), 2)
	assert.Len(t, store.Sessions("github"), 1)
	assert.Len(t, store.Sessions("gitlab"), 1)
	assert.Empty(t, store.Sessions("bitbucket"))
}

func TestAcquireAccountHintSeparatesSessions(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{result: testResult()}
	store := newTestStore(t, broker, "")

	// The fake broker yields no claims, so the hint becomes the account.
	_, err := store.Acquire(context.Background(), "github", "alice", "repo", true)
	require.NoError(t, err)
	_, err = store.Acquire(context.Background(), "github", "bob", "repo", true)
	require.NoError(t, err)

	assert.Equal(t, 2, broker.callCount())
	assert.Len(t, store.Sessions("github"), 2)
}
