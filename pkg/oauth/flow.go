package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	autherr "github.com/authmux/authmux/pkg/errors"
	"github.com/authmux/authmux/pkg/logger"
)

// Flow runs the authorization-code grant through a loopback callback
// server. One Flow instance serves exactly one attempt.
type Flow struct {
	config       *Config
	oauth2Config *oauth2.Config
	callback     *CallbackServer

	// PKCE parameters
	codeVerifier  string
	codeChallenge string
}

// NewFlow creates a new loopback flow. The callback port is reserved here
// so the redirect URI is known before the browser is opened.
func NewFlow(config *Config) (*Flow, error) {
	if config == nil {
		return nil, errors.New("OAuth config cannot be nil")
	}
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if config.AuthURL == "" {
		return nil, errors.New("authorization URL is required")
	}
	if config.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}

	callback, err := NewCallbackServer(config.CallbackPort)
	if err != nil {
		return nil, err
	}

	flow := &Flow{
		config:       config,
		oauth2Config: config.OAuth2Config(callback.RedirectURI()),
		callback:     callback,
	}

	if config.UsePKCE {
		if err := flow.generatePKCEParams(); err != nil {
			return nil, fmt.Errorf("failed to generate PKCE parameters: %w", err)
		}
	}

	return flow, nil
}

// generatePKCEParams generates PKCE code verifier and challenge
func (f *Flow) generatePKCEParams() error {
	// Generate code verifier (43-128 characters, RFC 7636)
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return fmt.Errorf("failed to generate code verifier: %w", err)
	}
	f.codeVerifier = base64.RawURLEncoding.EncodeToString(verifierBytes)

	// Use S256 method (RFC 7636 recommendation)
	hash := sha256.Sum256([]byte(f.codeVerifier))
	f.codeChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	return nil
}

// AuthorizationURL builds the provider authorization URL with state and
// PKCE parameters.
func (f *Flow) AuthorizationURL() string {
	opts := []oauth2.AuthCodeOption{}
	if f.config.UsePKCE {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", f.codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return f.oauth2Config.AuthCodeURL(f.callback.State(), opts...)
}

// Start runs the flow: serve the callback endpoint, send the user to the
// provider, wait for the redirected code, exchange it for tokens. The
// callback port is released on every exit path.
func (f *Flow) Start(ctx context.Context, openBrowser bool) (*TokenResult, error) {
	authURL := f.AuthorizationURL()

	if err := f.callback.Start(authURL); err != nil {
		return nil, err
	}
	defer f.callback.Stop()

	signinURL := f.callback.SigninURI()
	if openBrowser {
		logger.Infof("Opening browser to complete sign-in: %s", signinURL)
		if err := browser.OpenURL(signinURL); err != nil {
			logger.Warnf("Failed to open browser: %v", err)
			logger.Infof("Please manually open this URL in your browser: %s", signinURL)
		}
	} else {
		logger.Infof("Please open this URL in your browser: %s", signinURL)
	}

	code, err := f.callback.Wait(ctx, f.config.FlowTimeout())
	if err != nil {
		return nil, err
	}

	opts := []oauth2.AuthCodeOption{}
	if f.config.UsePKCE {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", f.codeVerifier))
	}

	token, err := f.oauth2Config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, autherr.NewNetworkError("failed to exchange code for token", err)
	}

	logger.Debugw("authorization-code flow completed", "has_refresh_token", token.RefreshToken != "")
	return newTokenResult(token), nil
}
