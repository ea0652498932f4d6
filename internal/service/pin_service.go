package service

import (
	"context"
	"strings"
	"time"

	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/util"
)

// PIN actions.
const (
	PINActionSet         = "set"
	PINActionChange      = "change"
	PINActionDisable     = "disable"
	PINActionVerify      = "verify"
	PINActionCheckStatus = "check-status"
)

const (
	msgPhoneRequiredEn = "Phone number is required"
	msgUserNotFound    = "User not found"
	msgInvalidPIN      = "Invalid PIN"
)

type PINService struct {
	deps Dependencies
}

func NewPINService(deps Dependencies) *PINService {
	return &PINService{deps: deps}
}

type PINInput struct {
	PhoneNumber string
	PIN         string
	OldPIN      string
	NewPIN      string
	Client      ClientInfo
}

type PINStatus struct {
	Exists           bool       `json:"exists"`
	PINEnabled       bool       `json:"pinEnabled"`
	IsPhoneVerified  bool       `json:"isPhoneVerified"`
	PINLastChangedAt *time.Time `json:"pinLastChangedAt"`
}

// Set stores the first PIN of a verified user.
func (s *PINService) Set(ctx context.Context, in PINInput) error {
	user, err := s.manageableUser(ctx, in.PhoneNumber)
	if err != nil {
		return err
	}
	if user.PINEnabled {
		return conflict("PIN already exists. Use 'change' action instead.")
	}
	pin, ok := validPIN(in.PIN)
	if !ok {
		return validation("PIN must be 4-6 digits only")
	}

	if err := s.store(ctx, user, pin); err != nil {
		return err
	}
	record(ctx, s.deps.Audit, model.ActionPINSet, in.Client, user, "", nil)
	return nil
}

// Change replaces the PIN after checking the old one. Wrong old PINs count
// against the same lockout as Verify.
func (s *PINService) Change(ctx context.Context, in PINInput) error {
	user, err := s.manageableUser(ctx, in.PhoneNumber)
	if err != nil {
		return err
	}
	if !user.PINEnabled {
		return validation("PIN is not enabled for this user")
	}
	if strings.TrimSpace(in.OldPIN) == "" {
		return validation("Old PIN is required to change PIN")
	}
	newPIN, ok := validPIN(in.NewPIN)
	if !ok {
		return validation("New PIN must be 4-6 digits only")
	}

	key := ratelimit.Key(in.Client.IP, user.PhoneNumber)
	if err := guard(ctx, s.deps.Lockouts.PIN, key, msgTooManyAttempts); err != nil {
		return err
	}

	matched, err := s.matches(ctx, user, in.OldPIN)
	if err != nil {
		return err
	}
	if !matched {
		countFailure(ctx, s.deps.Lockouts.PIN, key)
		record(ctx, s.deps.Audit, model.ActionPINChangeFailed, in.Client, user, "", nil)
		pause(ctx, s.deps.Settings.PINChangeFailureDelay)
		return unauthenticated("Invalid old PIN")
	}

	if err := s.store(ctx, user, newPIN); err != nil {
		return err
	}
	clearFailures(ctx, s.deps.Lockouts.PIN, key)
	record(ctx, s.deps.Audit, model.ActionPINChanged, in.Client, user, "", nil)
	return nil
}

// Disable clears the PIN hash and turns PIN login off.
func (s *PINService) Disable(ctx context.Context, in PINInput) error {
	user, err := s.manageableUser(ctx, in.PhoneNumber)
	if err != nil {
		return err
	}
	if !user.PINEnabled {
		return validation("PIN is already disabled")
	}
	if err := s.deps.Repos.Users.SetPIN(ctx, user.ID, "", false, s.deps.Now().UTC()); err != nil {
		return internal("", err)
	}
	record(ctx, s.deps.Audit, model.ActionPINDisabled, in.Client, user, "", nil)
	return nil
}

// Verify checks a PIN login. Unknown users, disabled PINs and wrong PINs all
// get the same answer and all count as failures.
func (s *PINService) Verify(ctx context.Context, in PINInput) (*UserSummary, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" {
		return nil, validation(msgPhoneRequiredEn)
	}

	key := ratelimit.Key(in.Client.IP, phone)
	if err := guard(ctx, s.deps.Lockouts.PIN, key, msgTooManyAttempts); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.PIN) == "" {
		return nil, validation("PIN is required")
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}

	matched := false
	if user != nil && user.PINEnabled {
		if matched, err = s.matches(ctx, user, in.PIN); err != nil {
			return nil, err
		}
	}
	if !matched {
		countFailure(ctx, s.deps.Lockouts.PIN, key)
		record(ctx, s.deps.Audit, model.ActionPINVerifyFailed, in.Client, user, "", nil)
		util.Warn("PIN verification failed", util.Phone(phone))
		pause(ctx, s.deps.Settings.PINFailureDelay)
		return nil, unauthenticated(msgInvalidPIN)
	}

	clearFailures(ctx, s.deps.Lockouts.PIN, key)
	record(ctx, s.deps.Audit, model.ActionPINVerifySuccess, in.Client, user, "", nil)
	summary := summarize(user)
	return &summary, nil
}

// Status reports the PIN state without failing for unknown users.
func (s *PINService) Status(ctx context.Context, in PINInput) (*PINStatus, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" {
		return nil, validation(msgPhoneRequiredEn)
	}
	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil {
		return &PINStatus{}, nil
	}

	status := &PINStatus{
		Exists:          true,
		PINEnabled:      user.PINEnabled,
		IsPhoneVerified: user.IsPhoneVerified,
	}
	if !user.PINLastChanged.IsZero() {
		changed := user.PINLastChanged
		status.PINLastChangedAt = &changed
	}
	return status, nil
}

// manageableUser loads a user allowed to set, change or disable a PIN.
func (s *PINService) manageableUser(ctx context.Context, phoneNumber string) (*model.User, error) {
	phone := normalizePhone(phoneNumber)
	if phone == "" {
		return nil, validation(msgPhoneRequiredEn)
	}
	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil {
		return nil, notFound(msgUserNotFound)
	}
	if !user.IsPhoneVerified {
		return nil, forbidden("Phone number must be verified to manage PIN")
	}
	return user, nil
}

func (s *PINService) matches(ctx context.Context, user *model.User, pin string) (bool, error) {
	hash, err := s.deps.Repos.Users.GetPINHash(ctx, user.ID)
	if err != nil {
		return false, internal("", err)
	}
	if hash == "" {
		return false, nil
	}
	ok, err := s.deps.Hasher.Compare(hash, util.NormalizeDigits(strings.TrimSpace(pin)))
	if err != nil {
		util.Error("Stored PIN hash is unreadable", util.String("user_id", user.ID), util.ErrorField(err))
		return false, nil
	}
	return ok, nil
}

func (s *PINService) store(ctx context.Context, user *model.User, pin string) error {
	hash, err := s.deps.Hasher.Hash(pin)
	if err != nil {
		return internal("", err)
	}
	now := s.deps.Now().UTC()
	if err := s.deps.Repos.Users.SetPIN(ctx, user.ID, hash, true, now); err != nil {
		return internal("", err)
	}
	user.PINEnabled = true
	user.PINLastChanged = now
	return nil
}
