package oauth

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherr "github.com/authmux/authmux/pkg/errors"
)

// startedCallbackServer spins up a server and returns it with a client that
// does not follow redirects, so 302 responses can be observed directly.
func startedCallbackServer(t *testing.T, authURL string) (*CallbackServer, *http.Client) {
	t.Helper()

	server, err := NewCallbackServer(0)
	require.NoError(t, err)
	require.NoError(t, server.Start(authURL))
	t.Cleanup(server.Stop)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return server, client
}

func TestCallbackServerValidCallback(t *testing.T) {
	t.Parallel()

	server, client := startedCallbackServer(t, "https://provider.example/authorize")

	type waitResult struct {
		code string
		err  error
	}
	resultCh := make(chan waitResult, 1)
	go func() {
		code, err := server.Wait(context.Background(), 5*time.Second)
		resultCh <- waitResult{code, err}
	}()

	resp, err := client.Get(fmt.Sprintf("%s?code=authcode&state=%s", server.RedirectURI(), server.State()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := <-resultCh
	require.NoError(t, result.err)
	assert.Equal(t, "authcode", result.code)
}

func TestCallbackServerStateMismatchKeepsWaiting(t *testing.T) {
	t.Parallel()

	server, client := startedCallbackServer(t, "https://provider.example/authorize")

	type waitResult struct {
		code string
		err  error
	}
	resultCh := make(chan waitResult, 1)
	go func() {
		code, err := server.Wait(context.Background(), 5*time.Second)
		resultCh <- waitResult{code, err}
	}()

	// A stale or forged callback must be rejected without resolving the flow.
	resp, err := client.Get(server.RedirectURI() + "?code=evil&state=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case result := <-resultCh:
		t.Fatalf("flow resolved after state mismatch: %+v", result)
	case <-time.After(100 * time.Millisecond):
	}

	// A later legitimate callback still completes the flow.
	resp, err = client.Get(fmt.Sprintf("%s?code=good&state=%s", server.RedirectURI(), server.State()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := <-resultCh
	require.NoError(t, result.err)
	assert.Equal(t, "good", result.code)
}

func TestCallbackServerMissingParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{"missing code", "?state=%s"},
		{"missing state", "?code=abc"},
		{"missing both", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, client := startedCallbackServer(t, "https://provider.example/authorize")

			errCh := make(chan error, 1)
			go func() {
				_, err := server.Wait(context.Background(), 5*time.Second)
				errCh <- err
			}()

			query := tt.query
			if query == "?state=%s" {
				query = fmt.Sprintf(query, server.State())
			}
			resp, err := client.Get(server.RedirectURI() + query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			waitErr := <-errCh
			require.Error(t, waitErr)
			assert.True(t, autherr.IsMissingParameter(waitErr))
		})
	}
}

func TestCallbackServerProviderDenied(t *testing.T) {
	t.Parallel()

	server, client := startedCallbackServer(t, "https://provider.example/authorize")

	errCh := make(chan error, 1)
	go func() {
		_, err := server.Wait(context.Background(), 5*time.Second)
		errCh <- err
	}()

	resp, err := client.Get(server.RedirectURI() + "?error=access_denied")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	waitErr := <-errCh
	require.Error(t, waitErr)
	assert.True(t, autherr.IsDenied(waitErr))
}

func TestCallbackServerSigninRedirect(t *testing.T) {
	t.Parallel()

	authURL := "https://provider.example/authorize?client_id=abc"
	server, client := startedCallbackServer(t, authURL)

	resp, err := client.Get(server.SigninURI())
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, authURL, resp.Header.Get("Location"))
}

func TestCallbackServerUnknownPath(t *testing.T) {
	t.Parallel()

	server, client := startedCallbackServer(t, "https://provider.example/authorize")

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/favicon.ico", server.port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCallbackServerTimeout(t *testing.T) {
	t.Parallel()

	server, err := NewCallbackServer(0)
	require.NoError(t, err)
	require.NoError(t, server.Start("https://provider.example/authorize"))

	start := time.Now()
	_, waitErr := server.Wait(context.Background(), 50*time.Millisecond)
	require.Error(t, waitErr)
	assert.True(t, autherr.IsTimeout(waitErr))
	assert.Less(t, time.Since(start), 2*time.Second)

	// The port must be released after timeout.
	assertPortReleased(t, server.port)
}

func TestCallbackServerCancellation(t *testing.T) {
	t.Parallel()

	server, err := NewCallbackServer(0)
	require.NoError(t, err)
	require.NoError(t, server.Start("https://provider.example/authorize"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, waitErr := server.Wait(ctx, 5*time.Second)
	require.Error(t, waitErr)
	assert.ErrorIs(t, waitErr, context.Canceled)

	assertPortReleased(t, server.port)
}

// assertPortReleased verifies no listener remains on the port.
func assertPortReleased(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/callback", port))
		if err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("port %d still accepting connections", port)
}
