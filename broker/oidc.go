package broker

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adwatch/adwatchd/store"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var _ TokenBroker = (*OIDCBroker)(nil)

// PromptFunc surfaces the device-flow verification URL and user code during
// an interactive login.
type PromptFunc func(verificationURI, userCode string)

// OIDCBroker implements TokenBroker against an OIDC identity provider. The
// cached token is persisted so silent renewal works across restarts.
type OIDCBroker struct {
	issuer        string
	clientID      string
	scopes        []string
	kv            store.KV
	prompt        PromptFunc
	silentTimeout time.Duration
	log           zerolog.Logger

	mu       sync.Mutex
	provider *oidc.Provider
	conf     *oauth2.Config
	extra    providerExtra
}

// providerExtra holds discovery endpoints the oauth2 Endpoint struct does
// not carry.
type providerExtra struct {
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	RevocationEndpoint          string `json:"revocation_endpoint"`
}

// OIDCBrokerOption configures an OIDCBroker.
type OIDCBrokerOption func(*OIDCBroker)

// WithPrompt sets the function used to surface the device-flow verification
// details. The default logs them.
func WithPrompt(prompt PromptFunc) OIDCBrokerOption {
	return func(b *OIDCBroker) {
		b.prompt = prompt
	}
}

// WithSilentTimeout bounds non-interactive network calls.
func WithSilentTimeout(d time.Duration) OIDCBrokerOption {
	return func(b *OIDCBroker) {
		b.silentTimeout = d
	}
}

// NewOIDCBroker creates a broker for the given issuer and public client.
// Provider discovery is deferred to the first call that needs the network,
// so constructing the broker never blocks startup.
func NewOIDCBroker(issuer, clientID string, scopes []string, kv store.KV, log zerolog.Logger, options ...OIDCBrokerOption) (*OIDCBroker, error) {
	if issuer == "" {
		return nil, errors.New("[NewOIDCBroker] issuer is required")
	}
	if clientID == "" {
		return nil, errors.New("[NewOIDCBroker] clientID is required")
	}
	if kv == nil {
		return nil, errors.New("[NewOIDCBroker] kv is required")
	}

	b := &OIDCBroker{
		issuer:        issuer,
		clientID:      clientID,
		scopes:        scopes,
		kv:            kv,
		silentTimeout: 10 * time.Second,
		log:           log,
	}
	b.prompt = func(verificationURI, userCode string) {
		b.log.Info().Str("url", verificationURI).Str("code", userCode).Msg("complete sign-in in your browser")
	}

	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

func (b *OIDCBroker) Token(ctx context.Context, interactive bool) (*Token, error) {
	cached, err := b.cachedToken(ctx)
	if err != nil {
		return nil, err
	}

	if cached.Valid() {
		return &Token{AccessToken: cached.AccessToken, Expiry: cached.Expiry}, nil
	}

	// Silent refresh counts as non-interactive: it is the broker's own
	// cached credential being renewed, bounded by the silent timeout.
	if cached.RefreshToken != "" {
		tok, err := b.refresh(ctx, cached)
		if err == nil {
			return tok, nil
		}
		if interactive {
			b.log.Debug().Err(err).Msg("silent refresh failed, falling through to device flow")
		} else {
			return nil, errors.Wrap(err, "[OIDCBroker.Token] silent refresh")
		}
	}

	if !interactive {
		return nil, ErrNoCachedToken
	}

	return b.deviceLogin(ctx)
}

func (b *OIDCBroker) Invalidate(ctx context.Context) error {
	if err := b.kv.Delete(ctx, store.KeyBrokerToken); err != nil {
		return errors.Wrap(err, "[OIDCBroker.Invalidate] kv.Delete")
	}
	return nil
}

func (b *OIDCBroker) RevokeGrant(ctx context.Context) error {
	cached, err := b.cachedToken(ctx)
	if err != nil {
		return err
	}
	if cached.RefreshToken != "" || cached.AccessToken != "" {
		if err := b.revokeAtProvider(ctx, cached); err != nil {
			return err
		}
	}
	return b.Invalidate(ctx)
}

func (b *OIDCBroker) cachedToken(ctx context.Context) (*oauth2.Token, error) {
	var tok oauth2.Token
	found, err := b.kv.Get(ctx, store.KeyBrokerToken, &tok)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCBroker.cachedToken] kv.Get")
	}
	if !found {
		return &oauth2.Token{}, nil
	}
	return &tok, nil
}

func (b *OIDCBroker) storeToken(ctx context.Context, tok *oauth2.Token) error {
	if err := b.kv.Set(ctx, store.KeyBrokerToken, tok); err != nil {
		return errors.Wrap(err, "[OIDCBroker.storeToken] kv.Set")
	}
	return nil
}

func (b *OIDCBroker) refresh(ctx context.Context, cached *oauth2.Token) (*Token, error) {
	conf, _, err := b.config(ctx)
	if err != nil {
		return nil, err
	}

	refreshCtx, cancel := context.WithTimeout(ctx, b.silentTimeout)
	defer cancel()

	tok, err := conf.TokenSource(refreshCtx, cached).Token()
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCBroker.refresh] token source")
	}
	if err := b.storeToken(ctx, tok); err != nil {
		return nil, err
	}
	return &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}

func (b *OIDCBroker) deviceLogin(ctx context.Context) (*Token, error) {
	conf, _, err := b.config(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := conf.DeviceAuth(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCBroker.deviceLogin] device auth request")
	}
	b.prompt(resp.VerificationURI, resp.UserCode)

	tok, err := conf.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCBroker.deviceLogin] device access token")
	}
	if err := b.storeToken(ctx, tok); err != nil {
		return nil, err
	}
	return &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}

func (b *OIDCBroker) revokeAtProvider(ctx context.Context, cached *oauth2.Token) error {
	_, extra, err := b.config(ctx)
	if err != nil {
		return err
	}
	if extra.RevocationEndpoint == "" {
		return errors.New("[OIDCBroker.revokeAtProvider] provider has no revocation endpoint")
	}

	token := cached.RefreshToken
	if token == "" {
		token = cached.AccessToken
	}
	form := url.Values{
		"token":     {token},
		"client_id": {b.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, extra.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "[OIDCBroker.revokeAtProvider] new request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[OIDCBroker.revokeAtProvider] post")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return errors.Errorf("[OIDCBroker.revokeAtProvider] provider returned %s", resp.Status)
	}
	return nil
}

// config lazily runs OIDC discovery and builds the oauth2 config.
func (b *OIDCBroker) config(ctx context.Context) (*oauth2.Config, providerExtra, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conf != nil {
		return b.conf, b.extra, nil
	}

	provider, err := oidc.NewProvider(ctx, b.issuer)
	if err != nil {
		return nil, providerExtra{}, errors.Wrap(err, "[OIDCBroker.config] provider discovery")
	}

	var extra providerExtra
	if err := provider.Claims(&extra); err != nil {
		return nil, providerExtra{}, errors.Wrap(err, "[OIDCBroker.config] provider claims")
	}

	endpoint := provider.Endpoint()
	if endpoint.DeviceAuthURL == "" {
		endpoint.DeviceAuthURL = extra.DeviceAuthorizationEndpoint
	}

	b.provider = provider
	b.extra = extra
	b.conf = &oauth2.Config{
		ClientID: b.clientID,
		Endpoint: endpoint,
		Scopes:   b.scopes,
	}
	return b.conf, b.extra, nil
}
