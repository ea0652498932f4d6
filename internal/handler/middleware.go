package handler

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mfa-service/internal/ratelimit"
	"mfa-service/internal/util"
)

// Messages shown when a route window is exhausted.
const (
	AuthLimitMessage = "تعداد تلاش‌های شما بیش از حد مجاز بود. لطفاً ۱۵ دقیقه صبر کنید."
	PINLimitMessage  = "تعداد تلاش‌های PIN شما بیش از حد مجاز بود. لطفاً ۱۵ دقیقه صبر کنید."
	ScanLimitMessage = "لطفاً کمی صبر کنید و دوباره اسکن کنید."
)

// requireHTTPS rejects requests that arrived over plain HTTP, trusting
// X-Forwarded-Proto from a terminating proxy.
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			respondWithJSON(w, http.StatusUpgradeRequired, Response{Success: false, Error: "https required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trustedRealIP applies middleware.RealIP only to requests whose socket peer
// is one of proxies. Everyone else is identified by RemoteAddr, so a direct
// caller cannot pick its own rate-limit key with a forwarding header.
func trustedRealIP(proxies []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromProxy(r.RemoteAddr, proxies) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromProxy(remoteAddr string, proxies []*net.IPNet) bool {
	if len(proxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// LoggerMiddleware logs every request once it has been served.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// RateLimit allows limit requests per client IP within the window. A nil
// window disables the check. Counter failures let the request through.
func RateLimit(window *ratelimit.Window, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if window == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := window.Allow(r.Context(), clientIP(r))
			if err != nil {
				util.Warn("Route limiter unavailable",
					util.String("limiter", window.Name()),
					util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				seconds := retrySeconds(retryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				respondWithJSON(w, http.StatusTooManyRequests, Response{
					Success:    false,
					Error:      message,
					Message:    message,
					RetryAfter: seconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
