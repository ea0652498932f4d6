// Package totp generates and verifies RFC 6238 time-based one-time codes
// (HMAC-SHA1, 30 second step, 6 digits) for base32 secrets.
package totp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"mfa-service/internal/util"
)

const (
	Period        = 30
	Digits        = 6
	DefaultWindow = 1
	SecretSize    = 20
)

// ErrInvalidSecret marks a secret that is not valid base32. When it comes
// from storage it indicates corrupted data, not a user mistake.
var ErrInvalidSecret = errors.New("invalid totp secret")

type Engine struct {
	window int
	now    func() time.Time
	opts   totp.ValidateOpts
}

type Option func(*Engine)

// WithWindow sets how many steps before and after the current one are accepted.
func WithWindow(steps int) Option {
	return func(e *Engine) {
		if steps >= 0 {
			e.window = steps
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		window: DefaultWindow,
		now:    time.Now,
		opts: totp.ValidateOpts{
			Period:    Period,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateCode returns the zero-padded code for the step containing t.
// Missing base32 padding and lower-case secrets are tolerated.
func (e *Engine) GenerateCode(secret string, t time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSecret)
	}
	code, err := totp.GenerateCodeCustom(secret, t, e.opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

// Verify checks candidate against the current time with the configured window.
func (e *Engine) Verify(secret, candidate string) (bool, error) {
	return e.VerifyAt(secret, candidate, e.now(), e.window)
}

// VerifyAt accepts codes generated within window steps of t. A malformed
// candidate is a plain mismatch; a malformed secret is ErrInvalidSecret.
func (e *Engine) VerifyAt(secret, candidate string, t time.Time, window int) (bool, error) {
	if _, err := e.GenerateCode(secret, t); err != nil {
		return false, err
	}

	candidate = util.NormalizeDigits(strings.TrimSpace(candidate))
	if !util.IsDigits(candidate, Digits, Digits) {
		return false, nil
	}

	matched := 0
	for step := -window; step <= window; step++ {
		at := t.Add(time.Duration(step*Period) * time.Second)
		code, err := e.GenerateCode(secret, at)
		if err != nil {
			return false, err
		}
		matched |= subtle.ConstantTimeCompare([]byte(code), []byte(candidate))
	}
	return matched == 1, nil
}

// GenerateSecret returns a random 160-bit secret, base32 without padding.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// ProvisioningURI builds the otpauth URI the mobile app scans. The apiKey
// parameter binds the scanned account to its relying application.
func ProvisioningURI(label, secret, issuer, apiKey string) string {
	return "otpauth://totp/" + encodeComponent(label) +
		"?secret=" + secret +
		"&issuer=" + encodeComponent(issuer) +
		"&apiKey=" + encodeComponent(apiKey)
}

func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
