package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mfa-service/internal/audit"
	"mfa-service/internal/bucketing"
	"mfa-service/internal/encryption"
	"mfa-service/internal/handler"
	"mfa-service/internal/hashing"
	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/repository/memory"
	"mfa-service/internal/service"
	"mfa-service/internal/signature"
	"mfa-service/internal/sms"
	"mfa-service/internal/totp"
)

type testServer struct {
	srv    *httptest.Server
	store  *memory.Store
	signer *signature.Signer
	cipher *encryption.SecretCipher
	engine *totp.Engine
}

type serverOptions struct {
	ready    handler.ReadinessFunc
	authHits int
	proxies  []*net.IPNet
}

func newServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	store := memory.NewStore()
	state := memory.NewStateStore(memory.WithSweepInterval(0))
	t.Cleanup(state.Close)
	limits := ratelimit.NewMemoryStore(bucketing.NewManager(4), ratelimit.WithSweepInterval(0))
	t.Cleanup(func() { _ = limits.Close() })

	cipher, err := encryption.NewSecretCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	signer := signature.NewSigner("app-secret")
	engine := totp.NewEngine()

	factory := service.NewServiceFactory(service.Dependencies{
		Repos:  store.Repositories(),
		Codes:  state,
		Tokens: state,
		Cipher: cipher,
		TOTP:   engine,
		Signer: signer,
		Hasher: hashing.NewPINHasher(4),
		Audit:  audit.NewRecorder(store),
		SMS:    sms.NewLogSender(),
		Lockouts: service.Lockouts{
			PIN:       ratelimit.NewLockout("pin", limits, 5, 15*time.Minute),
			Biometric: ratelimit.NewLockout("biometric", limits, 3, 15*time.Minute),
			Recovery:  ratelimit.NewLockout("recovery", limits, 5, 15*time.Minute),
		},
		Settings: service.Settings{EchoRecoveryCode: true, LabelPrefix: "قفلی"},
	})

	authHits := opts.authHits
	if authHits == 0 {
		authHits = 100
	}
	router := handler.NewRouter(
		handler.NewHandler(factory, zap.NewNop(), handler.WithErrorDetails(true)),
		handler.RouterConfig{
			ServiceName:    "mfa-service",
			RequestTimeout: 10 * time.Second,
			Ready:          opts.ready,
			TrustedProxies: opts.proxies,
			Limiters: handler.RouteLimiters{
				Auth: ratelimit.NewWindow("auth", limits, authHits, 15*time.Minute),
				PIN:  ratelimit.NewWindow("pin", limits, 100, 15*time.Minute),
				Scan: ratelimit.NewWindow("scan", limits, 100, 5*time.Minute),
			},
		},
		zap.NewNop(),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, signer: signer, cipher: cipher, engine: engine}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	} else {
		out["body"] = string(raw)
	}
	return resp, out
}

func (s *testServer) seedToken(t *testing.T, phone string) (*model.User, string) {
	t.Helper()
	ctx := context.Background()
	user := &model.User{PhoneNumber: phone, IsPhoneVerified: true}
	require.NoError(t, s.store.CreateUser(ctx, user))
	require.NoError(t, s.store.CreateApp(ctx, &model.App{ID: "bank", Name: "Bank", Issuer: "Bank", APIKey: "key-bank"}))

	secret, err := totp.GenerateSecret()
	require.NoError(t, err)
	enc, err := s.cipher.Encrypt(secret)
	require.NoError(t, err)
	require.NoError(t, s.store.CreateToken(ctx, &model.OTPToken{
		UserID: user.ID, AppID: "bank", EncryptedSecret: enc, IsVerified: true,
	}))
	return user, secret
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{ready: func(context.Context) map[string]error {
		return map[string]error{"store": nil, "redis": errors.New("connection refused")}
	}})

	resp, body := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = s.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestServerTimeAndNotFound(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})

	before := time.Now().UnixMilli()
	resp, body := s.do(t, http.MethodGet, "/api/server-time", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, int64(body["serverTime"].(float64)), before)

	resp, body = s.do(t, http.MethodGet, "/api/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestAuthenticateEndpoint(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	user, secret := s.seedToken(t, "09120000000")

	code, err := s.engine.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	resp, body := s.do(t, http.MethodPost, "/api/authenticate", map[string]string{
		"apiKey": "key-bank", "phoneNumber": user.PhoneNumber, "token": code,
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "خوش آمدید، ورود به Bank تایید شد.", body["message"])

	resp, body = s.do(t, http.MethodPost, "/api/authenticate", map[string]string{
		"apiKey": "key-bank", "phoneNumber": user.PhoneNumber, "token": "abcdef",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["authenticated"])

	resp, _ = s.do(t, http.MethodPost, "/api/authenticate", map[string]string{
		"apiKey": "other", "phoneNumber": user.PhoneNumber, "token": code,
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRouteLimiter(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{authHits: 5})

	payload := map[string]string{"apiKey": "k", "phoneNumber": "09120000000", "token": "123456"}
	for i := 0; i < 5; i++ {
		resp, _ := s.do(t, http.MethodPost, "/api/authenticate", payload, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp, body := s.do(t, http.MethodPost, "/api/authenticate", payload, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, handler.AuthLimitMessage, body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRemoveOTPRequiresSignature(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	user, _ := s.seedToken(t, "09120000000")
	payload := map[string]string{"phoneNumber": user.PhoneNumber, "apiKey": "key-bank"}

	resp, body := s.do(t, http.MethodPost, "/api/remove-otp", payload, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Unauthorized request", body["error"])

	resp, body = s.do(t, http.MethodPost, "/api/remove-otp", payload, s.signer.Headers(user.PhoneNumber))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Token successfully deleted and stored in history", body["message"])
}

func TestGenerateQRPage(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	user, _ := s.seedToken(t, "09120000000")

	resp, body := s.do(t, http.MethodGet, "/api/generate-qr?phoneNumber="+user.PhoneNumber+"&appId=bank", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body["body"], `src="data:image/png;base64,`)

	resp, body = s.do(t, http.MethodGet, "/api/generate-qr?phoneNumber="+user.PhoneNumber, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "اطلاعات ناقص", body["error"])
}

func TestPINEndpoints(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	user := &model.User{PhoneNumber: "09120000000", IsPhoneVerified: true}
	require.NoError(t, s.store.CreateUser(context.Background(), user))

	resp, body := s.do(t, http.MethodPost, "/api/pin/set", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "PIN set successfully", body["message"])

	resp, body = s.do(t, http.MethodPost, "/api/pin", map[string]string{"action": "verify", "phoneNumber": user.PhoneNumber, "pin": "4321"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authenticated"])

	for i := 0; i < 5; i++ {
		resp, body = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "0000"}, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid PIN", body["error"])
	}
	resp, body = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, true, body["locked"])
	assert.Equal(t, false, body["authenticated"])

	resp, body = s.do(t, http.MethodGet, "/api/pin/status/"+user.PhoneNumber, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]interface{})["pinEnabled"])

	resp, body = s.do(t, http.MethodPost, "/api/pin/reset", map[string]string{"phoneNumber": user.PhoneNumber}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid action", body["error"])
}

func TestPINLockoutIgnoresForwardedHeadersFromClients(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	user := &model.User{PhoneNumber: "09120000000", IsPhoneVerified: true}
	require.NoError(t, s.store.CreateUser(context.Background(), user))

	resp, body := s.do(t, http.MethodPost, "/api/pin/set", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	spoof := func(i int) http.Header {
		return http.Header{
			"X-Real-Ip":       {fmt.Sprintf("203.0.113.%d", i)},
			"X-Forwarded-For": {fmt.Sprintf("198.51.100.%d", i)},
			"True-Client-Ip":  {fmt.Sprintf("192.0.2.%d", i)},
		}
	}
	for i := 1; i <= 5; i++ {
		resp, _ = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "0000"}, spoof(i))
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, body = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, spoof(6))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, true, body["locked"])
}

func TestForwardedHeadersFromTrustedProxy(t *testing.T) {
	t.Parallel()
	_, loopback, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)
	_, v6loopback, err := net.ParseCIDR("::1/128")
	require.NoError(t, err)
	s := newServer(t, serverOptions{proxies: []*net.IPNet{loopback, v6loopback}})
	user := &model.User{PhoneNumber: "09120000000", IsPhoneVerified: true}
	require.NoError(t, s.store.CreateUser(context.Background(), user))

	resp, body := s.do(t, http.MethodPost, "/api/pin/set", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	client := http.Header{"X-Real-Ip": {"203.0.113.7"}}
	for i := 0; i < 5; i++ {
		resp, _ = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "0000"}, client)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// the proxy reports a different client, which has its own counter
	other := http.Header{"X-Real-Ip": {"203.0.113.8"}}
	resp, body = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, other)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authenticated"])

	resp, _ = s.do(t, http.MethodPost, "/api/pin/verify", map[string]string{"phoneNumber": user.PhoneNumber, "pin": "4321"}, client)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBiometricEndpoints(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	reg := map[string]string{"action": "register", "phoneNumber": "09120000000", "biometricToken": "t1", "deviceId": "d1"}

	resp, body := s.do(t, http.MethodPost, "/api/biometric", reg, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["data"].(map[string]interface{})["isNewUser"])

	resp, body = s.do(t, http.MethodPost, "/api/biometric/verify", map[string]string{
		"phoneNumber": "09120000000", "biometricToken": "t1", "deviceId": "d1",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["token"], 64)

	resp, body = s.do(t, http.MethodPost, "/api/login", map[string]string{
		"phoneNumber": "09120000000", "biometricToken": "t2", "deviceId": "d1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid biometric token", body["error"])

	resp, body = s.do(t, http.MethodPost, "/api/biometric/status", map[string]string{"phoneNumber": "09120000000"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]interface{})["biometricEnabled"])
}

func TestRecoveryFlow(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	phone := "09120000000"

	resp, body := s.do(t, http.MethodPost, "/api/recovery", map[string]string{"action": "REQUEST_OTP", "phoneNumber": phone}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	code := body["code"].(string)
	assert.Len(t, code, 5)

	resp, body = s.do(t, http.MethodPost, "/api/recovery", map[string]string{"action": "VERIFY_OTP_ONLY", "phoneNumber": phone, "code": "00000"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "کد اشتباه است", body["error"])

	resp, body = s.do(t, http.MethodPost, "/api/recovery", map[string]string{"action": "VERIFY_OTP_ONLY", "phoneNumber": phone, "code": code}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	token := body["verificationToken"].(string)

	resp, body = s.do(t, http.MethodPost, "/api/recovery", map[string]string{
		"action": "CREATE_USER_WITH_PIN", "phoneNumber": phone, "verificationToken": token, "pin": "1234",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "حساب کاربری با موفقیت ایجاد شد", body["message"])

	resp, _ = s.do(t, http.MethodPost, "/api/recovery", map[string]string{
		"action": "CREATE_USER_WITH_PIN", "phoneNumber": phone, "verificationToken": token, "pin": "1234",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/api/recovery", map[string]string{"action": "RESET", "phoneNumber": phone}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid action", body["error"])

	resp, body = s.do(t, http.MethodPost, "/api/recovery", map[string]string{"action": "REQUEST_OTP"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "شماره موبایل الزامی است", body["error"])
}

func TestSyncEndpoint(t *testing.T) {
	t.Parallel()
	s := newServer(t, serverOptions{})
	user, _ := s.seedToken(t, "09120000000")

	resp, body := s.do(t, http.MethodPost, "/api/sync", map[string]string{"phoneNumber": user.PhoneNumber}, s.signer.Headers(user.PhoneNumber))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	tokens := body["tokens"].([]interface{})
	require.Len(t, tokens, 1)
	_, hasSecret := tokens[0].(map[string]interface{})["secret"]
	assert.False(t, hasSecret)

	resp, _ = s.do(t, http.MethodPost, "/api/sync", map[string]string{"phoneNumber": user.PhoneNumber}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
