// Package signature signs and verifies mobile requests with
// hex(HMAC-SHA256(appSecret, timestamp + phoneNumber)).
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	DefaultMaxAge = 5 * time.Minute
)

type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

type Option func(*Signer)

// WithMaxAge bounds how far X-Timestamp may drift from the server clock in
// either direction. Zero disables the freshness check.
func WithMaxAge(d time.Duration) Option {
	return func(s *Signer) {
		s.maxAge = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(appSecret string, opts ...Option) *Signer {
	s := &Signer{
		secret: []byte(appSecret),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns the hex signature over timestamp + phoneNumber, no delimiter.
func (s *Signer) Sign(timestamp, phoneNumber string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp + phoneNumber))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches. Missing values, a timestamp that
// is not unix milliseconds, or one outside the freshness window all fail.
func (s *Signer) Verify(signature, timestamp, phoneNumber string) bool {
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return false
	}

	if s.maxAge > 0 {
		ms, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		skew := s.now().Sub(time.UnixMilli(ms))
		if skew > s.maxAge || skew < -s.maxAge {
			return false
		}
	}

	expected := s.Sign(timestamp, phoneNumber)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// VerifyRequest reads the signature headers from r.
func (s *Signer) VerifyRequest(r *http.Request, phoneNumber string) bool {
	return s.Verify(r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp), phoneNumber)
}

// Headers returns signed headers for phoneNumber at the signer's current time.
func (s *Signer) Headers(phoneNumber string) http.Header {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	h := http.Header{}
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, s.Sign(ts, phoneNumber))
	return h
}
