package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mfa-service/internal/audit"
	"mfa-service/internal/bucketing"
	"mfa-service/internal/encryption"
	"mfa-service/internal/hashing"
	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/repository/memory"
	"mfa-service/internal/service"
	"mfa-service/internal/signature"
	"mfa-service/internal/totp"
)

const (
	testAppSecret = "test-app-secret"
	testIP        = "10.0.0.1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSMS struct {
	mu    sync.Mutex
	codes map[string]string
	fail  bool
}

func (f *fakeSMS) SendCode(_ context.Context, phoneNumber, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gateway down")
	}
	f.codes[phoneNumber] = code
	return nil
}

func (f *fakeSMS) last(phone string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codes[phone]
}

type harness struct {
	factory *service.ServiceFactory
	store   *memory.Store
	state   *memory.StateStore
	clock   *fakeClock
	cipher  *encryption.SecretCipher
	signer  *signature.Signer
	engine  *totp.Engine
	hasher  *hashing.PINHasher
	sms     *fakeSMS
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := &fakeClock{now: time.Now().UTC()}
	store := memory.NewStore()
	state := memory.NewStateStore(memory.WithSweepInterval(0), memory.WithStateClock(clk.Now))
	t.Cleanup(state.Close)

	limits := ratelimit.NewMemoryStore(bucketing.NewManager(4),
		ratelimit.WithClock(clk.Now),
		ratelimit.WithSweepInterval(0))
	t.Cleanup(func() { _ = limits.Close() })

	cipher, err := encryption.NewSecretCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	h := &harness{
		store:  store,
		state:  state,
		clock:  clk,
		cipher: cipher,
		signer: signature.NewSigner(testAppSecret, signature.WithClock(clk.Now)),
		engine: totp.NewEngine(totp.WithClock(clk.Now)),
		hasher: hashing.NewPINHasher(4),
		sms:    &fakeSMS{codes: map[string]string{}},
	}

	h.factory = service.NewServiceFactory(service.Dependencies{
		Repos:  store.Repositories(),
		Codes:  state,
		Tokens: state,
		Cipher: cipher,
		TOTP:   h.engine,
		Signer: h.signer,
		Hasher: h.hasher,
		Audit:  audit.NewRecorder(store, audit.WithClock(clk.Now)),
		SMS:    h.sms,
		Lockouts: service.Lockouts{
			PIN:       ratelimit.NewLockout("pin", limits, 5, 15*time.Minute),
			Biometric: ratelimit.NewLockout("biometric", limits, 3, 15*time.Minute),
			Recovery:  ratelimit.NewLockout("recovery", limits, 5, 15*time.Minute),
		},
		Settings: service.Settings{
			CodeTTL:              5 * time.Minute,
			VerificationTokenTTL: 30 * time.Minute,
			EchoRecoveryCode:     true,
			DefaultIssuer:        "Ghofli",
			LabelPrefix:          "قفلی",
		},
		Now: clk.Now,
	})
	return h
}

func (h *harness) user(t *testing.T, phone string, verified bool) *model.User {
	t.Helper()
	u := &model.User{PhoneNumber: phone, IsPhoneVerified: verified}
	require.NoError(t, h.store.CreateUser(context.Background(), u))
	return u
}

func (h *harness) app(t *testing.T, name, apiKey string) *model.App {
	t.Helper()
	a := &model.App{ID: name + "-id", Name: name, Issuer: name + " Inc", Slug: name, APIKey: apiKey}
	require.NoError(t, h.store.CreateApp(context.Background(), a))
	return a
}

// token stores a token with a known secret and returns the secret.
func (h *harness) token(t *testing.T, user *model.User, app *model.App, verified bool) (*model.OTPToken, string) {
	t.Helper()
	secret, err := totp.GenerateSecret()
	require.NoError(t, err)
	enc, err := h.cipher.Encrypt(secret)
	require.NoError(t, err)
	tok := &model.OTPToken{
		ID:              "tok-" + app.ID + "-" + user.ID,
		UserID:          user.ID,
		AppID:           app.ID,
		EncryptedSecret: enc,
		IsVerified:      verified,
		CreatedAt:       h.clock.Now(),
	}
	require.NoError(t, h.store.CreateToken(context.Background(), tok))
	return tok, secret
}

func (h *harness) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := h.engine.GenerateCode(secret, h.clock.Now())
	require.NoError(t, err)
	return code
}

// signed returns client info carrying a valid signature for phone.
func (h *harness) signed(phone string) service.ClientInfo {
	headers := h.signer.Headers(phone)
	return service.ClientInfo{
		IP:        testIP,
		UserAgent: "test",
		Signature: headers.Get(signature.HeaderSignature),
		Timestamp: headers.Get(signature.HeaderTimestamp),
	}
}

func (h *harness) actions() []model.Action {
	var out []model.Action
	for _, l := range h.store.AccessLogs() {
		out = append(out, l.Action)
	}
	return out
}

func requireKind(t *testing.T, err error, kind error, msg string) *service.Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	se := service.AsError(err)
	if msg != "" {
		require.Equal(t, msg, se.Message)
	}
	return se
}

var client = service.ClientInfo{IP: testIP, UserAgent: "test"}
