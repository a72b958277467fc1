// Package session owns the logged-in/out/loading lifecycle: when to trust a
// cached session token, when to renew it silently, and when to demand an
// interactive login.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/adwatch/adwatchd/broker"
	"github.com/adwatch/adwatchd/classify"
	"github.com/adwatch/adwatchd/credentials"
	"github.com/adwatch/adwatchd/remote"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
)

const (
	// expiryLeeway renews tokens that are about to expire, so a pass never
	// starts on a token with seconds left.
	expiryLeeway = 60 * time.Second

	maxLoginAttempts = 5
	loginBackoffBase = 2 * time.Second
	backoffGrowth    = 1.5

	// propagationDelay gives a freshly minted third-party token time to
	// propagate at the provider before it is exchanged.
	propagationDelay = 1 * time.Second
)

// API is the slice of the remote listings API the session machine needs.
type API interface {
	ExchangeToken(ctx context.Context, idpToken string) (*remote.SessionGrant, error)
	InvalidateSession(ctx context.Context, sessionToken string) error
}

// Service is the session state machine. It is the only writer of the
// credential record; concurrent calls converge because every write is a
// complete replacement and the last writer wins.
type Service struct {
	creds   *credentials.Store
	broker  broker.TokenBroker
	api     API
	log     zerolog.Logger
	nowTime func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	notify  func(Status)

	mu     sync.Mutex
	status Status
}

// Option configures a Service.
type Option func(*Service)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithSleep replaces the backoff sleep (primarily for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// WithNotify registers a callback invoked on every status transition.
func WithNotify(notify func(Status)) Option {
	return func(s *Service) {
		s.notify = notify
	}
}

// NewService initializes the session state machine.
func NewService(creds *credentials.Store, tokenBroker broker.TokenBroker, api API, log zerolog.Logger, options ...Option) (*Service, error) {
	if creds == nil {
		return nil, errors.New("[NewService] credentials store is required")
	}
	if tokenBroker == nil {
		return nil, errors.New("[NewService] token broker is required")
	}
	if api == nil {
		return nil, errors.New("[NewService] api is required")
	}

	s := &Service{
		creds:   creds,
		broker:  tokenBroker,
		api:     api,
		log:     log,
		nowTime: time.Now,
		sleep:   sleepContext,
		status:  StatusUnauthenticated,
	}

	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Status returns the current lifecycle state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Identity returns the stored identity while authenticated.
func (s *Service) Identity(ctx context.Context) (*credentials.Identity, bool) {
	rec, err := s.creds.Get(ctx)
	if err != nil || rec == nil {
		return nil, false
	}
	identity := rec.Identity
	return &identity, true
}

// SessionToken returns the stored session token, if any.
func (s *Service) SessionToken(ctx context.Context) (string, bool) {
	rec, err := s.creds.Get(ctx)
	if err != nil || rec == nil || rec.SessionToken == "" {
		return "", false
	}
	return rec.SessionToken, true
}

// Initialize resolves the session state from the stored record. A locally
// valid token is trusted without a network call; an expired one triggers
// exactly one silent renewal; a failed renewal clears the record. Renewal
// failures are converted to StatusUnauthenticated, never propagated.
func (s *Service) Initialize(ctx context.Context) (Status, error) {
	rec, err := s.creds.Get(ctx)
	if err != nil {
		s.setStatus(StatusUnauthenticated)
		return StatusUnauthenticated, errors.Wrap(err, "[Service.Initialize] read credentials")
	}
	if rec == nil {
		s.setStatus(StatusUnauthenticated)
		return StatusUnauthenticated, nil
	}

	if s.tokenValid(rec.SessionToken) {
		s.setStatus(StatusAuthenticated)
		return StatusAuthenticated, nil
	}

	s.setStatus(StatusAuthenticating)
	if _, err := s.SilentRenew(ctx); err != nil {
		s.log.Debug().Err(err).Msg("silent renewal failed, clearing stored session")
		if clearErr := s.creds.Clear(ctx); clearErr != nil {
			s.log.Warn().Err(clearErr).Msg("failed to clear stale session record")
		}
		s.setStatus(StatusUnauthenticated)
		return StatusUnauthenticated, nil
	}
	return StatusAuthenticated, nil
}

// SilentRenew asks the broker for a cached third-party token without user
// interaction and exchanges it for a new session token. It fails fast: no
// cached token means an immediate failure, and an exchange rejection
// invalidates the cached token so a later interactive attempt cannot reuse
// a stale one.
func (s *Service) SilentRenew(ctx context.Context) (*credentials.Record, error) {
	tok, err := s.broker.Token(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.SilentRenew] broker token")
	}

	grant, err := s.api.ExchangeToken(ctx, tok.AccessToken)
	if err != nil {
		if errors.Is(err, remote.ErrExchangeRejected) {
			if invErr := s.broker.Invalidate(ctx); invErr != nil {
				s.log.Warn().Err(invErr).Msg("failed to invalidate cached broker token")
			}
		}
		return nil, errors.Wrap(err, "[Service.SilentRenew] exchange")
	}

	rec, err := s.storeGrant(ctx, grant)
	if err != nil {
		return nil, err
	}
	s.setStatus(StatusAuthenticated)
	return rec, nil
}

// InteractiveLogin runs the full broker-request, propagation-delay,
// exchange sequence with user interaction allowed. Retryable failures are
// retried up to maxLoginAttempts with growing backoff; network-layer
// failures abort immediately; exchange rejections invalidate the cached
// third-party token before the next attempt.
func (s *Service) InteractiveLogin(ctx context.Context) (*credentials.Record, error) {
	s.setStatus(StatusAuthenticating)

	var lastErr error
	delay := loginBackoffBase
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, delay); err != nil {
				s.setStatus(StatusUnauthenticated)
				return nil, errors.Wrap(err, "[Service.InteractiveLogin] backoff")
			}
			delay = time.Duration(float64(delay) * backoffGrowth)
		}

		tok, err := s.broker.Token(ctx, true)
		if err != nil {
			if classify.IsNetwork(err) {
				s.setStatus(StatusUnauthenticated)
				return nil, errors.Wrap(err, "[Service.InteractiveLogin] broker token")
			}
			lastErr = err
			continue
		}

		if err := s.sleep(ctx, propagationDelay); err != nil {
			s.setStatus(StatusUnauthenticated)
			return nil, errors.Wrap(err, "[Service.InteractiveLogin] propagation delay")
		}

		grant, err := s.api.ExchangeToken(ctx, tok.AccessToken)
		if err != nil {
			if classify.Classify(err) == classify.KindFatal {
				s.setStatus(StatusUnauthenticated)
				return nil, errors.Wrap(err, "[Service.InteractiveLogin] exchange")
			}
			if errors.Is(err, remote.ErrExchangeRejected) {
				if invErr := s.broker.Invalidate(ctx); invErr != nil {
					s.log.Warn().Err(invErr).Msg("failed to invalidate cached broker token")
				}
			}
			lastErr = err
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("interactive login attempt failed")
			continue
		}

		rec, err := s.storeGrant(ctx, grant)
		if err != nil {
			s.setStatus(StatusUnauthenticated)
			return nil, err
		}
		s.setStatus(StatusAuthenticated)
		return rec, nil
	}

	s.setStatus(StatusUnauthenticated)
	return nil, errors.Wrapf(lastErr, "[Service.InteractiveLogin] exhausted %d attempts", maxLoginAttempts)
}

// Logout invalidates the session token with the API (best effort), drops
// the cached third-party token without revoking the consent grant, and
// clears the stored record. A user-visible logout never fails on a
// transport error.
func (s *Service) Logout(ctx context.Context) error {
	return s.teardown(ctx, false)
}

// Disconnect is Logout plus revoking the consent grant at the identity
// provider. Used only for explicit "remove account" actions.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.teardown(ctx, true)
}

func (s *Service) teardown(ctx context.Context, revokeGrant bool) error {
	rec, err := s.creds.Get(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read credentials during teardown")
	}
	if rec != nil && rec.SessionToken != "" {
		if err := s.api.InvalidateSession(ctx, rec.SessionToken); err != nil {
			s.log.Warn().Err(err).Msg("failed to invalidate session with remote api")
		}
	}

	if revokeGrant {
		if err := s.broker.RevokeGrant(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to revoke consent grant")
		}
	} else {
		if err := s.broker.Invalidate(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to invalidate cached broker token")
		}
	}

	if err := s.creds.Clear(ctx); err != nil {
		return errors.Wrap(err, "[Service.teardown] clear credentials")
	}
	s.setStatus(StatusUnauthenticated)
	return nil
}

func (s *Service) storeGrant(ctx context.Context, grant *remote.SessionGrant) (*credentials.Record, error) {
	rec := &credentials.Record{
		SessionToken: grant.SessionToken,
		Identity:     grant.Identity,
		StoredAt:     s.nowTime(),
	}
	if err := s.creds.Put(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "[Service.storeGrant] persist credentials")
	}
	return rec, nil
}

// tokenValid checks the token's embedded expiry locally, without a network
// call. Tokens expiring within the leeway are treated as invalid so they
// are renewed before they lapse mid-pass.
func (s *Service) tokenValid(raw string) bool {
	if raw == "" {
		return false
	}
	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.After(s.nowTime().Add(expiryLeeway))
}

func (s *Service) setStatus(status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed && s.notify != nil {
		s.notify(status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
