package handler

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"mfa-service/internal/ratelimit"
	"mfa-service/internal/signature"
	"mfa-service/internal/util"
)

// RouteLimiters are the per-IP windows in front of the sensitive routes.
type RouteLimiters struct {
	Auth *ratelimit.Window
	PIN  *ratelimit.Window
	Scan *ratelimit.Window
}

// ReadinessFunc reports the health of each backing dependency by name.
type ReadinessFunc func(ctx context.Context) map[string]error

type RouterConfig struct {
	ServiceName    string
	AllowedOrigins []string
	RequestTimeout time.Duration
	RequireHTTPS   bool
	Limiters       RouteLimiters
	Ready          ReadinessFunc
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []*net.IPNet
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(trustedRealIP(cfg.TrustedProxies))
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", signature.HeaderSignature, signature.HeaderTimestamp},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": cfg.ServiceName})
	})
	router.Get("/health/ready", readinessHandler(cfg.Ready))

	router.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r, cfg.Limiters)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method not allowed"})
	})

	return router
}

// RegisterRoutes mounts the API endpoints.
func (h *Handler) RegisterRoutes(r chi.Router, limits RouteLimiters) {
	authLimit := RateLimit(limits.Auth, AuthLimitMessage)
	pinLimit := RateLimit(limits.PIN, PINLimitMessage)
	scanLimit := RateLimit(limits.Scan, ScanLimitMessage)

	r.Get("/server-time", h.ServerTime)
	r.Get("/generate-qr", h.GenerateQR)
	r.Post("/sync", h.Sync)

	r.With(authLimit).Post("/authenticate", h.Authenticate)
	r.With(authLimit).Post("/remove-otp", h.RemoveOTP)
	r.With(authLimit).Post("/login", h.Login)
	r.With(scanLimit).Post("/verify-otp", h.VerifyOTP)

	// recovery sends SMS, so it shares the PIN window
	r.With(pinLimit).Post("/recovery", h.Recovery)

	r.Get("/pin/status/{phoneNumber}", h.PINStatus)
	r.With(pinLimit).Post("/pin", h.PIN)
	r.With(pinLimit).Post("/pin/{action}", h.PIN)

	r.Post("/biometric", h.Biometric)
	r.Post("/biometric/{action}", h.Biometric)
}

func readinessHandler(ready ReadinessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			respondWithJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
			return
		}

		checks := make(map[string]string)
		status, code := "ready", http.StatusOK
		for name, err := range ready(r.Context()) {
			if err != nil {
				checks[name] = err.Error()
				status, code = "unavailable", http.StatusServiceUnavailable
				util.Warn("Readiness check failed", util.String("component", name), util.ErrorField(err))
				continue
			}
			checks[name] = "ok"
		}
		respondWithJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
	}
}
