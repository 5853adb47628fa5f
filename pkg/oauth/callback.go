package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	autherr "github.com/authmux/authmux/pkg/errors"
	"github.com/authmux/authmux/pkg/logger"
	"github.com/authmux/authmux/pkg/networking"
)

// callbackPhase tracks the lifecycle of one loopback flow invocation.
type callbackPhase int

const (
	phaseWaiting callbackPhase = iota
	phaseMatched
	phaseRejected
	phaseClosed
)

// callbackResult is what the waiting flow receives: an authorization code or
// a terminal error.
type callbackResult struct {
	code string
	err  error
}

// CallbackServer is a short-lived local HTTP listener that captures a
// browser-redirected OAuth callback and hands the authorization code to the
// waiting flow. Exactly one callback is expected per instance; the port is
// exclusive to this flow and released on every exit path.
type CallbackServer struct {
	port    int
	state   string
	authURL string

	server   *http.Server
	listener net.Listener
	resultCh chan callbackResult

	mu    sync.Mutex
	phase callbackPhase

	stopOnce sync.Once
}

// NewCallbackServer reserves a loopback port and generates the state nonce.
// The server does not listen until Start is called.
func NewCallbackServer(port int) (*CallbackServer, error) {
	selected, err := networking.FindOrUsePort(port)
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	return &CallbackServer{
		port:     selected,
		state:    base64.RawURLEncoding.EncodeToString(stateBytes),
		resultCh: make(chan callbackResult, 1),
	}, nil
}

// RedirectURI returns the callback URI to register as the flow's
// redirect_uri.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.port)
}

// SigninURI returns the local entry URI that redirects to the authorization
// URL. Opening this instead of the provider URL keeps both ends of the flow
// on the same local origin.
func (s *CallbackServer) SigninURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/signin", s.port)
}

// State returns the nonce the authorization request must echo back.
func (s *CallbackServer) State() string {
	return s.state
}

// Start binds the port and begins serving. authURL is the provider
// authorization URL that /signin redirects to. A bind failure is fatal to
// this flow attempt; there is no retry at this layer.
func (s *CallbackServer) Start(authURL string) error {
	s.authURL = authURL

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to bind callback port %d: %w", s.port, err)
	}
	s.listener = listener

	r := chi.NewRouter()
	r.Get("/callback", s.handleCallback)
	r.Get("/signin", s.handleSignin)

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.resolve(callbackResult{err: fmt.Errorf("callback server failed: %w", err)})
		}
	}()

	logger.Debugw("callback server listening", "port", s.port)
	return nil
}

// Wait blocks until a valid callback arrives, the timeout elapses, or ctx is
// cancelled. It returns the authorization code on success. The port is
// released before Wait returns, on every path.
func (s *CallbackServer) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	defer s.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-s.resultCh:
		if result.err != nil {
			return "", result.err
		}
		return result.code, nil
	case <-timer.C:
		return "", autherr.NewTimeoutError(
			fmt.Sprintf("no callback received within %s", timeout), nil)
	case <-ctx.Done():
		return "", fmt.Errorf("flow cancelled: %w", ctx.Err())
	}
}

// Stop shuts the server down and releases the port. Safe to call multiple
// times and on error paths.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.phase = phaseClosed
		s.mu.Unlock()

		if s.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("Failed to shutdown callback server: %v", err)
			}
		} else if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Warnf("Failed to close callback listener: %v", err)
			}
		}
	})
}

// resolve delivers the flow result exactly once. Returns false if the flow
// already completed.
func (s *CallbackServer) resolve(result callbackResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseWaiting {
		return false
	}
	if result.err != nil {
		s.phase = phaseRejected
	} else {
		s.phase = phaseMatched
	}
	s.resultCh <- result
	return true
}

// handleCallback validates the redirected callback. The query string is
// untrusted input:
//   - missing code or state: 400, flow fails with missing_parameter
//   - state mismatch: 400, but the flow keeps waiting; a stale or forged
//     request must not be able to terminate a legitimate pending flow
//   - provider error parameter: 400, flow fails (access_denied maps to the
//     denied error type)
//   - valid: 200 confirmation page, code handed to the waiting flow
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		errDesc := query.Get("error_description")
		var err error
		if errParam == "access_denied" {
			err = autherr.NewDeniedError("authorization was denied", nil)
		} else {
			err = fmt.Errorf("authorization failed: %s - %s", errParam, errDesc)
		}
		s.writeErrorPage(w, "The provider reported an error.")
		s.resolve(callbackResult{err: err})
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		s.writeErrorPage(w, "The callback is missing required parameters.")
		s.resolve(callbackResult{err: autherr.NewMissingParameterError(
			"callback missing code or state parameter", nil)})
		return
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(s.state)) != 1 {
		// Possible CSRF or a stale callback from an earlier flow. Reject
		// this request but keep waiting for a legitimate one.
		logger.Warnw("callback state mismatch, ignoring request", "port", s.port)
		s.writeErrorPage(w, "The request could not be verified.")
		return
	}

	s.writeSuccessPage(w)
	s.resolve(callbackResult{code: code})
}

// handleSignin redirects to the original authorization URL so the flow can
// be initiated from the same local origin that completes it.
func (s *CallbackServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	if s.authURL == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, s.authURL, http.StatusFound)
}

// setSecurityHeaders sets common security headers for all responses
func (*CallbackServer) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'; script-src 'none'; object-src 'none';")
}

// writeSuccessPage writes a human-readable confirmation page.
func (s *CallbackServer) writeSuccessPage(w http.ResponseWriter) {
	s.setSecurityHeaders(w)
	htmlContent := `
<!DOCTYPE html>
<html>
<head>
    <title>Sign-in Complete</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .success { background-color: #e7f6e7; border: 1px solid #b3e6b3; color: #006600; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sign-in Complete</h1>
        <div class="message success">
            <p>You are signed in. You can close this window and return to your tool.</p>
        </div>
    </div>
</body>
</html>`
	if _, err := w.Write([]byte(htmlContent)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}

// writeErrorPage writes a 400 response. The message is a fixed string, not
// derived from request input, so nothing attacker-controlled is reflected.
func (s *CallbackServer) writeErrorPage(w http.ResponseWriter, message string) {
	s.setSecurityHeaders(w)
	w.WriteHeader(http.StatusBadRequest)
	htmlContent := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <title>Sign-in Failed</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .error { background-color: #ffe7e7; border: 1px solid #ffb3b3; color: #cc0000; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sign-in Failed</h1>
        <div class="message error">
            <p>%s</p>
            <p>Please return to your tool and try again.</p>
        </div>
    </div>
</body>
</html>`, message)
	if _, err := w.Write([]byte(htmlContent)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}
