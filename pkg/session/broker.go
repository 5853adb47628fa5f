package session

import (
	"context"
	"fmt"

	"github.com/authmux/authmux/pkg/logger"
	"github.com/authmux/authmux/pkg/oauth"
	"github.com/authmux/authmux/pkg/providers"
	"github.com/authmux/authmux/pkg/scopes"
)

// Broker runs one interactive token acquisition. It is the capability
// interface between the store and the concrete flows, so provider plug-ins
// and tests can supply their own implementation.
type Broker interface {
	// Acquire obtains a token for the provider and scope set. When
	// interactive is true the loopback browser flow is used; otherwise
	// the device-code flow.
	Acquire(ctx context.Context, provider providers.Config, set scopes.Set, interactive bool) (*oauth.TokenResult, error)
}

// DevicePrompt presents a device user code and verification URI to the
// user. The host application supplies its own UI; the default logs.
type DevicePrompt func(userCode, verificationURI string)

// flowBroker is the default Broker backed by pkg/oauth.
type flowBroker struct {
	callbackPort int
	openBrowser  bool
	devicePrompt DevicePrompt
}

// NewFlowBroker creates the default broker. callbackPort 0 auto-selects a
// loopback port per flow.
func NewFlowBroker(callbackPort int, openBrowser bool, prompt DevicePrompt) Broker {
	if prompt == nil {
		prompt = func(userCode, verificationURI string) {
			logger.Infof("To sign in, visit %s and enter code %s", verificationURI, userCode)
		}
	}
	return &flowBroker{
		callbackPort: callbackPort,
		openBrowser:  openBrowser,
		devicePrompt: prompt,
	}
}

func (b *flowBroker) Acquire(
	ctx context.Context,
	provider providers.Config,
	set scopes.Set,
	interactive bool,
) (*oauth.TokenResult, error) {
	cfg, err := oauth.NewConfig(provider, set, b.callbackPort)
	if err != nil {
		return nil, err
	}

	if interactive {
		flow, err := oauth.NewFlow(cfg)
		if err != nil {
			return nil, err
		}
		return flow.Start(ctx, b.openBrowser)
	}

	if cfg.DeviceAuthURL == "" {
		return nil, fmt.Errorf("provider %s does not support the device-code flow", provider.ID)
	}
	flow, err := oauth.NewDeviceFlow(cfg)
	if err != nil {
		return nil, err
	}
	auth, err := flow.RequestCode(ctx)
	if err != nil {
		return nil, err
	}
	uri := auth.VerificationURIComplete
	if uri == "" {
		uri = auth.VerificationURI
	}
	b.devicePrompt(auth.UserCode, uri)
	return flow.Wait(ctx, auth)
}
