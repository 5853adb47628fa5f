package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	autherr "github.com/authmux/authmux/pkg/errors"
	"github.com/authmux/authmux/pkg/logger"
)

const (
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval is used when the provider does not specify one.
	defaultPollInterval = 5 * time.Second

	// slowDownIncrement is added to the poll interval on each slow_down
	// response, per RFC 8628 section 3.5.
	slowDownIncrement = 5 * time.Second
)

// DeviceAuth is the provider's response to a device authorization request:
// the code pair to present to the user and the polling parameters.
type DeviceAuth struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                time.Duration
	Expiry                  time.Time
}

// DeviceFlow implements the RFC 8628 device-authorization grant for
// contexts without a local browser. The caller is responsible for
// displaying the user code and verification URI.
type DeviceFlow struct {
	config *Config
	client *http.Client

	// slowDown is added to the poll interval on slow_down responses.
	slowDown time.Duration
}

// NewDeviceFlow creates a device flow for a provider that advertises a
// device authorization endpoint.
func NewDeviceFlow(config *Config) (*DeviceFlow, error) {
	if config == nil {
		return nil, errors.New("OAuth config cannot be nil")
	}
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if config.DeviceAuthURL == "" {
		return nil, errors.New("device authorization URL is required")
	}
	if config.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}

	return &DeviceFlow{
		config:   config,
		client:   &http.Client{Timeout: 30 * time.Second},
		slowDown: slowDownIncrement,
	}, nil
}

// RequestCode asks the provider for a device/user code pair.
func (f *DeviceFlow) RequestCode(ctx context.Context) (*DeviceAuth, error) {
	values := url.Values{}
	values.Set("client_id", f.config.ClientID)
	if len(f.config.Scopes) > 0 {
		values.Set("scope", strings.Join(f.config.Scopes, " "))
	}

	var payload deviceCodeResponse
	if err := f.postForm(ctx, f.config.DeviceAuthURL, values, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("device authorization failed: %s: %s", payload.Error, payload.ErrorDescription)
	}
	if payload.DeviceCode == "" || payload.UserCode == "" {
		return nil, fmt.Errorf("device authorization response missing codes")
	}

	interval := time.Duration(payload.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &DeviceAuth{
		DeviceCode:              payload.DeviceCode,
		UserCode:                payload.UserCode,
		VerificationURI:         payload.VerificationURI,
		VerificationURIComplete: payload.VerificationURIComplete,
		Interval:                interval,
		Expiry:                  time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// Wait polls the token endpoint until the user approves, a terminal error
// occurs, or the device code's absolute expiry is reached. The poll
// interval only ever grows: slow_down responses add the provider increment
// and the new interval sticks for the rest of the flow.
func (f *DeviceFlow) Wait(ctx context.Context, auth *DeviceAuth) (*TokenResult, error) {
	deadline := auth.Expiry
	if budget := time.Now().Add(f.config.FlowTimeout()); budget.Before(deadline) {
		deadline = budget
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		if time.Now().After(deadline) {
			return nil, autherr.NewExpiredError("device code expired before approval", nil)
		}

		if err := sleepCtx(ctx, interval); err != nil {
			return nil, fmt.Errorf("flow cancelled: %w", err)
		}

		result, err := f.poll(ctx, auth.DeviceCode)
		switch {
		case err == nil:
			logger.Debugw("device flow completed", "has_refresh_token", result.RefreshToken != "")
			return result, nil
		case errors.Is(err, errAuthorizationPending):
			continue
		case errors.Is(err, errSlowDown):
			interval += f.slowDown
			logger.Debugw("provider requested slower polling", "interval", interval)
			continue
		default:
			return nil, err
		}
	}
}

var (
	errAuthorizationPending = errors.New("authorization pending")
	errSlowDown             = errors.New("slow down")
)

// poll performs one token-endpoint request for the device code.
func (f *DeviceFlow) poll(ctx context.Context, deviceCode string) (*TokenResult, error) {
	values := url.Values{}
	values.Set("grant_type", deviceGrantType)
	values.Set("device_code", deviceCode)
	values.Set("client_id", f.config.ClientID)
	if f.config.ClientSecret != "" {
		values.Set("client_secret", f.config.ClientSecret)
	}

	var payload deviceTokenResponse
	if err := f.postForm(ctx, f.config.TokenURL, values, &payload); err != nil {
		return nil, err
	}

	// Terminal and non-terminal protocol outcomes arrive in the error
	// field of an otherwise well-formed response (RFC 8628 section 3.5).
	switch payload.Error {
	case "":
	case "authorization_pending":
		return nil, errAuthorizationPending
	case "slow_down":
		return nil, errSlowDown
	case "expired_token":
		return nil, autherr.NewExpiredError("device code expired", nil)
	case "access_denied":
		return nil, autherr.NewDeniedError("authorization was denied", nil)
	default:
		return nil, fmt.Errorf("device token error: %s: %s", payload.Error, payload.ErrorDescription)
	}

	token := &oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	if payload.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{"id_token": payload.IDToken})
	}
	return newTokenResult(token), nil
}

// postForm sends a form-encoded POST and decodes the JSON response. Error
// payloads arrive with 4xx statuses, so the body is decoded regardless of
// the status code.
func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, values url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return autherr.NewNetworkError("device flow request failed", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// sleepCtx sleeps for the given duration, returning early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	Error                   string `json:"error"`
	ErrorDescription        string `json:"error_description"`
}

type deviceTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int    `json:"expires_in,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}
