package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/util"
)

// Recovery actions.
const (
	RecoveryRequestOTP        = "REQUEST_OTP"
	RecoveryVerifyOTPOnly     = "VERIFY_OTP_ONLY"
	RecoveryCreateUserWithPIN = "CREATE_USER_WITH_PIN"
	RecoveryVerifyAndSync     = "VERIFY_AND_SYNC"
)

const (
	msgWrongCode         = "کد اشتباه است"
	msgExpiredCode       = "کد منقضی شده است"
	msgBadVerification   = "توکن تایید نامعتبر یا منقضی شده است"
	msgRecoveryLocked    = "تعداد تلاش‌های شما بیش از حد مجاز بود. لطفاً ۱۵ دقیقه صبر کنید."
	msgSMSFailed         = "Failed to send SMS"
	minRecoveryCode      = 10000
	recoveryCodeRange    = 90000
	verificationTokenLen = 32
)

// expiredCodeGrace keeps a pending code past its expiry so a late attempt is
// told the code expired rather than that it is wrong.
const expiredCodeGrace = 10 * time.Minute

type RecoveryService struct {
	deps Dependencies
}

func NewRecoveryService(deps Dependencies) *RecoveryService {
	return &RecoveryService{deps: deps}
}

type RecoveryInput struct {
	PhoneNumber       string
	Code              string
	VerificationToken string
	PIN               string
	Client            ClientInfo
}

// RecoveredToken is a decrypted token returned to a device being restored.
type RecoveredToken struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	Label  string `json:"label"`
	Issuer string `json:"issuer"`
	APIKey string `json:"apiKey"`
}

// RequestOTP issues a five digit code and sends it by SMS. The code is only
// returned when echoing is enabled outside production.
func (s *RecoveryService) RequestOTP(ctx context.Context, in RecoveryInput) (string, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" {
		return "", validation(msgPhoneRequired)
	}

	code, err := newRecoveryCode()
	if err != nil {
		return "", internal("", err)
	}
	pending := model.PendingCode{Code: code, ExpiresAt: s.deps.Now().Add(s.deps.Settings.CodeTTL).UTC()}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return "", internal("", err)
	}
	if user != nil {
		user.VerificationCode = pending.Code
		user.VerificationExpire = pending.ExpiresAt
		err = s.deps.Repos.Users.UpdateUser(ctx, user)
	} else {
		err = s.deps.Codes.SaveCode(ctx, phone, pending, s.deps.Settings.CodeTTL+expiredCodeGrace)
	}
	if err != nil {
		return "", internal("", err)
	}

	if err := s.deps.SMS.SendCode(ctx, phone, code); err != nil {
		util.Error("Failed to send recovery code", util.Phone(phone), util.ErrorField(err))
		return "", internal(msgSMSFailed, err)
	}

	record(ctx, s.deps.Audit, model.ActionRecoveryInitiated, in.Client, userOrPhone(user, phone), "", nil)
	if s.deps.Settings.EchoRecoveryCode {
		return code, nil
	}
	return "", nil
}

// VerifyOTPOnly exchanges a valid code for a single-use verification token.
func (s *RecoveryService) VerifyOTPOnly(ctx context.Context, in RecoveryInput) (string, error) {
	phone, user, err := s.consumeCode(ctx, in)
	if err != nil {
		return "", err
	}

	token, err := randomHex(verificationTokenLen)
	if err != nil {
		return "", internal("", err)
	}
	if err := s.deps.Tokens.SaveVerificationToken(ctx, token, phone, s.deps.Settings.VerificationTokenTTL); err != nil {
		return "", internal("", err)
	}
	record(ctx, s.deps.Audit, model.ActionRecoveryVerified, in.Client, userOrPhone(user, phone), "", nil)
	return token, nil
}

// AccountSummary is returned after a PIN account is created through recovery.
type AccountSummary struct {
	ID              string `json:"id"`
	PhoneNumber     string `json:"phoneNumber"`
	IsPhoneVerified bool   `json:"isPhoneVerified"`
	PINEnabled      bool   `json:"pinEnabled"`
}

// CreateUserWithPIN spends a verification token to create (or restore) a
// verified user with a PIN.
func (s *RecoveryService) CreateUserWithPIN(ctx context.Context, in RecoveryInput) (*AccountSummary, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" {
		return nil, validation(msgPhoneRequired)
	}
	pin, ok := validPIN(in.PIN)
	if !ok {
		return nil, validation("PIN must be 4-6 digits only")
	}
	token := strings.TrimSpace(in.VerificationToken)
	if token == "" {
		return nil, validation(msgBadVerification)
	}

	owner, err := s.deps.Tokens.ConsumeVerificationToken(ctx, token)
	if errors.Is(err, model.ErrNotFound) {
		return nil, validation(msgBadVerification)
	}
	if err != nil {
		return nil, internal("", err)
	}
	if owner != phone {
		util.Warn("Verification token used for another phone number", util.Phone(phone))
		return nil, validation(msgBadVerification)
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil {
		user = &model.User{PhoneNumber: phone, IsPhoneVerified: true}
		if err := s.deps.Repos.Users.CreateUser(ctx, user); err != nil {
			return nil, internal("", err)
		}
	} else if !user.IsPhoneVerified {
		user.IsPhoneVerified = true
		if err := s.deps.Repos.Users.UpdateUser(ctx, user); err != nil {
			return nil, internal("", err)
		}
	}

	hash, err := s.deps.Hasher.Hash(pin)
	if err != nil {
		return nil, internal("", err)
	}
	if err := s.deps.Repos.Users.SetPIN(ctx, user.ID, hash, true, s.deps.Now().UTC()); err != nil {
		return nil, internal("", err)
	}
	record(ctx, s.deps.Audit, model.ActionPINSet, in.Client, user, "", map[string]string{"source": "recovery"})

	return &AccountSummary{
		ID:              user.ID,
		PhoneNumber:     user.PhoneNumber,
		IsPhoneVerified: true,
		PINEnabled:      true,
	}, nil
}

// VerifyAndSync verifies a code and returns every token of the user with its
// secret decrypted. Tokens that cannot be decrypted are skipped.
func (s *RecoveryService) VerifyAndSync(ctx context.Context, in RecoveryInput) ([]RecoveredToken, error) {
	phone, user, err := s.consumeCode(ctx, in)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, notFound(msgUserNotFoundFa)
	}
	if !user.IsPhoneVerified {
		user.IsPhoneVerified = true
		if err := s.deps.Repos.Users.UpdateUser(ctx, user); err != nil {
			return nil, internal("", err)
		}
	}

	tokens, err := s.deps.Repos.Tokens.ListTokensByUser(ctx, user.ID)
	if err != nil {
		return nil, internal("", err)
	}
	apps := make(map[string]*model.App)
	out := make([]RecoveredToken, 0, len(tokens))
	for _, t := range tokens {
		secret, err := s.deps.Cipher.Decrypt(t.EncryptedSecret)
		if err != nil {
			util.Error("Skipping undecryptable token", util.String("token_id", t.ID), util.ErrorField(err))
			continue
		}
		app, ok := apps[t.AppID]
		if !ok {
			app, err = s.deps.Repos.Apps.GetAppByID(ctx, t.AppID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return nil, internal("", err)
			}
			apps[t.AppID] = app
		}
		rt := RecoveredToken{ID: t.ID, Secret: secret, Label: "Unknown", Issuer: s.deps.Settings.DefaultIssuer}
		if app != nil {
			rt.Label = app.Name
			rt.APIKey = app.APIKey
			if app.Issuer != "" {
				rt.Issuer = app.Issuer
			}
		}
		out = append(out, rt)
	}

	record(ctx, s.deps.Audit, model.ActionRecoverySynced, in.Client, user, "", map[string]string{"tokens": strconv.Itoa(len(out))})
	util.Info("Recovery sync completed", util.Phone(phone), util.Int("tokens", len(out)))
	return out, nil
}

// consumeCode checks the pending code for the phone number and removes it on
// success. Wrong codes count against the recovery lockout.
func (s *RecoveryService) consumeCode(ctx context.Context, in RecoveryInput) (string, *model.User, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" {
		return "", nil, validation(msgPhoneRequired)
	}
	key := ratelimit.Key(in.Client.IP, phone)
	if err := guard(ctx, s.deps.Lockouts.Recovery, key, msgRecoveryLocked); err != nil {
		return "", nil, err
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return "", nil, internal("", err)
	}
	pending, err := s.pending(ctx, user, phone)
	if err != nil {
		return "", nil, internal("", err)
	}

	code := util.NormalizeDigits(strings.TrimSpace(in.Code))
	if pending == nil || subtle.ConstantTimeCompare([]byte(pending.Code), []byte(code)) != 1 {
		countFailure(ctx, s.deps.Lockouts.Recovery, key)
		record(ctx, s.deps.Audit, model.ActionRecoveryFailed, in.Client, userOrPhone(user, phone), "", nil)
		return "", nil, validation(msgWrongCode)
	}
	if !s.deps.Now().Before(pending.ExpiresAt) {
		if err := s.clear(ctx, user, phone); err != nil {
			util.Warn("Failed to clear expired recovery code", util.Phone(phone), util.ErrorField(err))
		}
		return "", nil, validation(msgExpiredCode)
	}

	if err := s.clear(ctx, user, phone); err != nil {
		return "", nil, internal("", err)
	}
	clearFailures(ctx, s.deps.Lockouts.Recovery, key)
	return phone, user, nil
}

func (s *RecoveryService) pending(ctx context.Context, user *model.User, phone string) (*model.PendingCode, error) {
	if user != nil && user.VerificationCode != "" {
		return &model.PendingCode{Code: user.VerificationCode, ExpiresAt: user.VerificationExpire}, nil
	}
	code, err := s.deps.Codes.GetCode(ctx, phone)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return code, err
}

func (s *RecoveryService) clear(ctx context.Context, user *model.User, phone string) error {
	if user != nil && user.VerificationCode != "" {
		user.VerificationCode = ""
		user.VerificationExpire = time.Time{}
		if err := s.deps.Repos.Users.UpdateUser(ctx, user); err != nil {
			return err
		}
	}
	return s.deps.Codes.DeleteCode(ctx, phone)
}

func newRecoveryCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(recoveryCodeRange))
	if err != nil {
		return "", fmt.Errorf("failed to generate recovery code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+minRecoveryCode, 10), nil
}

// userOrPhone lets access logs carry the phone number of unknown users.
func userOrPhone(user *model.User, phone string) *model.User {
	if user != nil {
		return user
	}
	return &model.User{PhoneNumber: phone}
}
