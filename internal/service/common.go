package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/util"
)

// ClientInfo describes the caller of a request.
type ClientInfo struct {
	IP        string
	UserAgent string
	Signature string
	Timestamp string
}

// UserSummary is the user view returned after a successful login.
type UserSummary struct {
	ID              string `json:"id"`
	PhoneNumber     string `json:"phoneNumber"`
	IsPhoneVerified bool   `json:"isPhoneVerified"`
}

func summarize(u *model.User) UserSummary {
	return UserSummary{ID: u.ID, PhoneNumber: u.PhoneNumber, IsPhoneVerified: u.IsPhoneVerified}
}

// record writes an access log for a request.
func record(ctx context.Context, rec AuditRecorder, action model.Action, client ClientInfo, user *model.User, tokenID string, metadata map[string]string) {
	if rec == nil {
		return
	}
	entry := model.AccessLog{
		Action:    action,
		TokenID:   tokenID,
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
		Metadata:  metadata,
	}
	if user != nil {
		entry.UserID = user.ID
		entry.PhoneNumber = user.PhoneNumber
	}
	rec.Record(ctx, entry)
}

// findUser returns nil without error when the phone number is unknown.
func findUser(ctx context.Context, users model.UserRepository, phoneNumber string) (*model.User, error) {
	user, err := users.GetUserByPhone(ctx, phoneNumber)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func normalizePhone(phone string) string {
	return util.NormalizePhone(phone)
}

// validPIN accepts 4 to 6 ASCII digits. Localized digits are converted first.
func validPIN(pin string) (string, bool) {
	pin = util.NormalizeDigits(pin)
	return pin, util.IsDigits(pin, 4, 6)
}

const msgTooManyAttempts = "Too many failed attempts. Please try again after 15 minutes."

// guard rejects keys that are currently locked. A failing lock store blocks
// the attempt.
func guard(ctx context.Context, l *ratelimit.Lockout, key, msg string) error {
	if l == nil {
		return nil
	}
	allowed, retryAfter, err := l.CheckAllowed(ctx, key)
	if err != nil {
		return internal("", err)
	}
	if !allowed {
		return rateLimited(msg, retryAfter)
	}
	return nil
}

func countFailure(ctx context.Context, l *ratelimit.Lockout, key string) {
	if l == nil {
		return
	}
	res, err := l.RecordFailure(ctx, key)
	if err != nil {
		util.Warn("Failed to record failed attempt", util.String("key", key), util.ErrorField(err))
		return
	}
	if res.Locked {
		util.Warn("Key locked after repeated failures",
			util.String("key", key),
			util.Int("failures", res.Failures),
			util.Duration("retry_after", res.RetryAfter))
	}
}

func clearFailures(ctx context.Context, l *ratelimit.Lockout, key string) {
	if l == nil {
		return
	}
	if err := l.ResetSuccess(ctx, key); err != nil {
		util.Warn("Failed to reset failed attempts", util.String("key", key), util.ErrorField(err))
	}
}
