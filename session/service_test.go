package session_test

import (
	"context"
	"net/url"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/adwatch/adwatchd/broker"
	"github.com/adwatch/adwatchd/broker/brokerfake"
	"github.com/adwatch/adwatchd/credentials"
	"github.com/adwatch/adwatchd/remote"
	"github.com/adwatch/adwatchd/remote/remotefake"
	"github.com/adwatch/adwatchd/session"
	"github.com/adwatch/adwatchd/store"
	"github.com/adwatch/adwatchd/store/storefake"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testUserID    = "user-1"
	testUserEmail = "jane.doe@example.com"
)

// propagation delay used between minting and exchanging a token; backoff
// sleeps are strictly longer, which lets tests tell the two apart.
const propagationSleep = 1 * time.Second

type testFixture struct {
	kv       *storefake.FakeKV
	creds    *credentials.Store
	broker   *brokerfake.FakeBroker
	api      *remotefake.FakeAPI
	service  *session.Service
	statuses []session.Status

	sleepMu sync.Mutex
	sleeps  []time.Duration
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		kv:     storefake.NewFakeKV(),
		broker: brokerfake.NewFakeBroker(),
		api:    remotefake.NewFakeAPI(),
	}
	f.creds = credentials.NewStore(f.kv)

	svc, err := session.NewService(f.creds, f.broker, f.api, zerolog.Nop(),
		session.WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleepMu.Lock()
			defer f.sleepMu.Unlock()
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
		session.WithNotify(func(st session.Status) {
			f.statuses = append(f.statuses, st)
		}),
	)
	require.NoError(t, err)
	f.service = svc
	return f
}

// backoffSleeps filters out the fixed propagation delays.
func (f *testFixture) backoffSleeps() []time.Duration {
	f.sleepMu.Lock()
	defer f.sleepMu.Unlock()

	var out []time.Duration
	for _, d := range f.sleeps {
		if d > propagationSleep {
			out = append(out, d)
		}
	}
	return out
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()

	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": testUserID,
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func (f *testFixture) seedRecord(t *testing.T, token string) {
	t.Helper()

	err := f.creds.Put(context.Background(), &credentials.Record{
		SessionToken: token,
		Identity:     credentials.Identity{ID: testUserID, Email: testUserEmail, DisplayName: "Jane Doe"},
		StoredAt:     time.Now(),
	})
	require.NoError(t, err)
}

func testGrant(t *testing.T, exp time.Time) *remote.SessionGrant {
	t.Helper()

	return &remote.SessionGrant{
		SessionToken: signedToken(t, exp),
		Identity:     credentials.Identity{ID: testUserID, Email: testUserEmail, DisplayName: "Jane Doe"},
	}
}

func TestInitialize_NoRecord(t *testing.T) {
	f := setupTestFixture(t)

	st, err := f.service.Initialize(context.Background())

	require.NoError(t, err)
	require.Equal(t, session.StatusUnauthenticated, st)
	require.Zero(t, f.broker.SilentCalls)
	require.Zero(t, f.api.ExchangeCalls)
}

func TestInitialize_ValidToken_NoNetworkCall(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(time.Hour)))

	st, err := f.service.Initialize(context.Background())

	require.NoError(t, err)
	require.Equal(t, session.StatusAuthenticated, st)
	require.Zero(t, f.broker.SilentCalls, "a locally valid token must not hit the broker")
	require.Zero(t, f.api.ExchangeCalls, "a locally valid token must not hit the api")

	identity, ok := f.service.Identity(context.Background())
	require.True(t, ok)
	require.Equal(t, testUserEmail, identity.Email)
}

func TestInitialize_ValidToken_Repeatable(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(time.Hour)))

	for i := 0; i < 3; i++ {
		st, err := f.service.Initialize(context.Background())
		require.NoError(t, err)
		require.Equal(t, session.StatusAuthenticated, st)
	}
	require.Zero(t, f.api.ExchangeCalls)
}

func TestInitialize_ExpiredToken_SingleSilentRenewal(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(-time.Minute)))
	f.broker.SilentToken = &broker.Token{AccessToken: "idp-token"}
	newExp := time.Now().Add(time.Hour)
	f.api.Grant = testGrant(t, newExp)

	st, err := f.service.Initialize(context.Background())

	require.NoError(t, err)
	require.Equal(t, session.StatusAuthenticated, st)
	require.Equal(t, 1, f.broker.SilentCalls, "exactly one silent renewal attempt")
	require.Equal(t, 1, f.api.ExchangeCalls)

	rec, err := f.creds.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, f.api.Grant.SessionToken, rec.SessionToken, "new token must be stored")
}

func TestInitialize_TokenWithinLeeway_Renews(t *testing.T) {
	f := setupTestFixture(t)
	// Expires in 30s, inside the 60s leeway: treated as expired.
	f.seedRecord(t, signedToken(t, time.Now().Add(30*time.Second)))
	f.broker.SilentToken = &broker.Token{AccessToken: "idp-token"}
	f.api.Grant = testGrant(t, time.Now().Add(time.Hour))

	st, err := f.service.Initialize(context.Background())

	require.NoError(t, err)
	require.Equal(t, session.StatusAuthenticated, st)
	require.Equal(t, 1, f.broker.SilentCalls)
}

func TestInitialize_ExpiredToken_NoCachedBrokerToken(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(-time.Minute)))
	// FakeBroker without a SilentToken returns ErrNoCachedToken.

	st, err := f.service.Initialize(context.Background())

	require.NoError(t, err, "renewal failure must not propagate")
	require.Equal(t, session.StatusUnauthenticated, st)
	require.Zero(t, f.api.ExchangeCalls, "no token available means no network call")

	rec, err := f.creds.Get(context.Background())
	require.NoError(t, err)
	require.Nil(t, rec, "stale record must be cleared")
}

func TestInitialize_OpaqueToken_TreatedAsInvalid(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, "not-a-jwt")

	st, err := f.service.Initialize(context.Background())

	require.NoError(t, err)
	require.Equal(t, session.StatusUnauthenticated, st)
	require.Equal(t, 1, f.broker.SilentCalls, "invalid token falls through to silent renewal")
}

func TestSilentRenew_ExchangeRejected_InvalidatesBrokerToken(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.SilentToken = &broker.Token{AccessToken: "idp-token"}
	f.api.ExchangeErrs = []error{errors.Wrap(remote.ErrExchangeRejected, "401 Unauthorized")}

	rec, err := f.service.SilentRenew(context.Background())

	require.Error(t, err)
	require.Nil(t, rec)
	require.Equal(t, 1, f.broker.InvalidateCalls, "rejected exchange must invalidate the cached token")
	require.Equal(t, session.StatusUnauthenticated, f.service.Status())
}

func TestSilentRenew_NoRetries(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.SilentToken = &broker.Token{AccessToken: "idp-token"}
	f.api.ExchangeErrs = []error{errors.Wrap(remote.ErrExchangeRejected, "401 Unauthorized")}

	_, err := f.service.SilentRenew(context.Background())

	require.Error(t, err)
	require.Equal(t, 1, f.api.ExchangeCalls, "silent renewal fails fast, never retries")
	require.Empty(t, f.backoffSleeps())
}

func TestInteractiveLogin_Success(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.InteractiveToken = &broker.Token{AccessToken: "idp-token"}
	f.api.Grant = testGrant(t, time.Now().Add(time.Hour))

	rec, err := f.service.InteractiveLogin(context.Background())

	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, session.StatusAuthenticated, f.service.Status())
	require.Equal(t, 1, f.broker.InteractiveCalls)
	require.Equal(t, 1, f.api.ExchangeCalls)
}

func TestInteractiveLogin_RetriesOnRejection(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.InteractiveToken = &broker.Token{AccessToken: "idp-token"}
	f.api.Grant = testGrant(t, time.Now().Add(time.Hour))
	f.api.ExchangeErrs = []error{
		errors.Wrap(remote.ErrExchangeRejected, "401 Unauthorized"),
		errors.Wrap(remote.ErrExchangeRejected, "401 Unauthorized"),
		nil, // third attempt succeeds
	}

	rec, err := f.service.InteractiveLogin(context.Background())

	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 3, f.api.ExchangeCalls)
	require.Equal(t, 2, f.broker.InvalidateCalls, "each rejection clears the cached token")

	backoffs := f.backoffSleeps()
	require.Len(t, backoffs, 2)
	for i := 1; i < len(backoffs); i++ {
		require.GreaterOrEqual(t, backoffs[i], backoffs[i-1], "backoff must be non-decreasing")
	}
}

func TestInteractiveLogin_NetworkFailureAbortsImmediately(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.InteractiveErr = &url.Error{Op: "Post", URL: "https://idp.example.com", Err: syscall.ECONNREFUSED}

	_, err := f.service.InteractiveLogin(context.Background())

	require.Error(t, err)
	require.Equal(t, 1, f.broker.InteractiveCalls, "network failure must not be retried")
	require.Zero(t, f.api.ExchangeCalls)
	require.Empty(t, f.backoffSleeps())
}

func TestInteractiveLogin_NetworkFailureDuringExchangeAborts(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.InteractiveToken = &broker.Token{AccessToken: "idp-token"}
	f.api.ExchangeErrs = []error{&url.Error{Op: "Post", URL: "https://api.example.com", Err: syscall.ECONNRESET}}

	_, err := f.service.InteractiveLogin(context.Background())

	require.Error(t, err)
	require.Equal(t, 1, f.api.ExchangeCalls)
	require.Equal(t, session.StatusUnauthenticated, f.service.Status())
}

func TestInteractiveLogin_ExhaustsAttempts(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.InteractiveToken = &broker.Token{AccessToken: "idp-token"}
	f.api.Grant = testGrant(t, time.Now().Add(time.Hour))
	rejection := errors.Wrap(remote.ErrExchangeRejected, "401 Unauthorized")
	f.api.ExchangeErrs = []error{rejection, rejection, rejection, rejection, rejection}

	_, err := f.service.InteractiveLogin(context.Background())

	require.Error(t, err)
	require.Contains(t, err.Error(), "exhausted 5 attempts")
	require.Equal(t, 5, f.api.ExchangeCalls, "at most 5 exchange attempts")

	backoffs := f.backoffSleeps()
	require.Len(t, backoffs, 4, "one backoff between each pair of attempts")
	for i := 1; i < len(backoffs); i++ {
		require.GreaterOrEqual(t, backoffs[i], backoffs[i-1])
	}
}

func TestLogout_BestEffort(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(time.Hour)))
	f.api.InvalidateErr = errors.New("503 Service Unavailable")

	err := f.service.Logout(context.Background())

	require.NoError(t, err, "remote invalidation failure must not fail logout")
	require.Equal(t, 1, f.api.InvalidateCalls)
	require.Equal(t, 1, f.broker.InvalidateCalls)
	require.Zero(t, f.broker.RevokeCalls, "logout keeps the consent grant")
	require.Equal(t, session.StatusUnauthenticated, f.service.Status())

	rec, err := f.creds.Get(context.Background())
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestDisconnect_RevokesGrant(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(time.Hour)))

	err := f.service.Disconnect(context.Background())

	require.NoError(t, err)
	require.Equal(t, 1, f.broker.RevokeCalls)
	require.Zero(t, f.broker.InvalidateCalls, "RevokeGrant subsumes Invalidate")

	rec, err := f.creds.Get(context.Background())
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestStatusTransitions_Broadcast(t *testing.T) {
	f := setupTestFixture(t)
	f.broker.InteractiveToken = &broker.Token{AccessToken: "idp-token"}
	f.api.Grant = testGrant(t, time.Now().Add(time.Hour))

	_, err := f.service.InteractiveLogin(context.Background())
	require.NoError(t, err)

	require.Equal(t, []session.Status{session.StatusAuthenticating, session.StatusAuthenticated}, f.statuses)
}

func TestNewService_MissingDependencies(t *testing.T) {
	kv := storefake.NewFakeKV()
	creds := credentials.NewStore(kv)

	_, err := session.NewService(nil, brokerfake.NewFakeBroker(), remotefake.NewFakeAPI(), zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "credentials store is required")

	_, err = session.NewService(creds, nil, remotefake.NewFakeAPI(), zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "token broker is required")

	_, err = session.NewService(creds, brokerfake.NewFakeBroker(), nil, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "api is required")
}

// storeKeyUntouched guards the single-writer protocol: only the session
// machine writes the session key, and teardown removes exactly that key.
func TestLogout_OnlyClearsSessionKey(t *testing.T) {
	f := setupTestFixture(t)
	f.seedRecord(t, signedToken(t, time.Now().Add(time.Hour)))
	require.NoError(t, f.kv.Set(context.Background(), store.KeyStatus, map[string]any{"isRunning": false}))

	require.NoError(t, f.service.Logout(context.Background()))

	require.False(t, f.kv.Has(store.KeySession))
	require.True(t, f.kv.Has(store.KeyStatus), "logout must not touch refresh state")
}
