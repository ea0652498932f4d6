package handler

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mfa-service/internal/service"
	"mfa-service/internal/signature"
)

// Handler serves the MFA API on top of the service orchestrators.
type Handler struct {
	otp       *service.OTPService
	pin       *service.PINService
	biometric *service.BiometricService
	recovery  *service.RecoveryService
	login     *service.LoginService
	logger    *zap.Logger

	exposeErrors bool
	showSecret   bool
	now          func() time.Time
}

type Option func(*Handler)

// WithErrorDetails adds the cause of internal errors to responses. Development only.
func WithErrorDetails(enabled bool) Option {
	return func(h *Handler) {
		h.exposeErrors = enabled
	}
}

// WithQRSecret prints the raw secret under the QR image for manual entry.
func WithQRSecret(enabled bool) Option {
	return func(h *Handler) {
		h.showSecret = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func NewHandler(services *service.ServiceFactory, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		otp:       services.OTPService(),
		pin:       services.PINService(),
		biometric: services.BiometricService(),
		recovery:  services.RecoveryService(),
		login:     services.LoginService(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// clientInfo collects the caller's address, user agent and signature headers.
func clientInfo(r *http.Request) service.ClientInfo {
	return service.ClientInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Signature: r.Header.Get(signature.HeaderSignature),
		Timestamp: r.Header.Get(signature.HeaderTimestamp),
	}
}

// clientIP returns RemoteAddr without its port. For requests from a trusted
// proxy it already holds the forwarded address.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}
