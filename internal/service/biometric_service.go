package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
	"time"

	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/util"
)

// Biometric actions.
const (
	BiometricActionRegister    = "register"
	BiometricActionVerify      = "verify"
	BiometricActionCheckStatus = "check-status"
	BiometricActionDisable     = "disable"
)

const msgInvalidBiometric = "Invalid biometric token"

type BiometricService struct {
	deps Dependencies
}

func NewBiometricService(deps Dependencies) *BiometricService {
	return &BiometricService{deps: deps}
}

type BiometricInput struct {
	PhoneNumber    string
	BiometricToken string
	DeviceID       string
	DeviceType     string
	DeviceName     string
	Client         ClientInfo
}

type RegisterResult struct {
	CredentialID string `json:"credentialId"`
	IsNewUser    bool   `json:"isNewUser"`
}

type BiometricLogin struct {
	User         UserSummary
	SessionToken string
}

type CredentialSummary struct {
	DeviceID     string     `json:"deviceId"`
	DeviceName   string     `json:"deviceName"`
	DeviceType   string     `json:"deviceType"`
	LastUsedAt   *time.Time `json:"lastUsedAt"`
	RegisteredAt time.Time  `json:"registeredAt"`
}

type BiometricStatus struct {
	BiometricEnabled bool                `json:"biometricEnabled"`
	Credentials      []CredentialSummary `json:"credentials"`
}

// Register binds a device token to the phone number, creating a verified
// user when none exists. Registering the same device again replaces it.
func (s *BiometricService) Register(ctx context.Context, in BiometricInput) (*RegisterResult, error) {
	phone, token, deviceID, err := s.requireAll(in)
	if err != nil {
		return nil, err
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	isNew := user == nil
	if isNew {
		user = &model.User{PhoneNumber: phone, IsPhoneVerified: true}
		if err := s.deps.Repos.Users.CreateUser(ctx, user); err != nil {
			return nil, internal("", err)
		}
	}

	deviceType := strings.TrimSpace(in.DeviceType)
	if deviceType == "" {
		deviceType = "unknown"
	}
	cred := &model.BiometricCredential{
		UserID:     user.ID,
		DeviceID:   deviceID,
		Token:      token,
		DeviceType: deviceType,
		DeviceName: util.SanitizeInput(in.DeviceName),
		IsActive:   true,
	}
	if err := s.deps.Repos.Biometrics.SaveCredential(ctx, cred); err != nil {
		return nil, internal("", err)
	}

	record(ctx, s.deps.Audit, model.ActionBiometricRegistered, in.Client, user, "", map[string]string{
		"deviceId":   deviceID,
		"deviceType": deviceType,
		"deviceName": cred.DeviceName,
		"isNewUser":  strconv.FormatBool(isNew),
	})
	return &RegisterResult{CredentialID: cred.ID, IsNewUser: isNew}, nil
}

// Verify logs a device in with its biometric token.
func (s *BiometricService) Verify(ctx context.Context, in BiometricInput) (*BiometricLogin, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" {
		return nil, validation(msgPhoneRequiredEn)
	}
	key := ratelimit.Key(in.Client.IP, phone)
	if err := guard(ctx, s.deps.Lockouts.Biometric, key, msgTooManyAttempts); err != nil {
		return nil, err
	}
	if _, _, _, err := s.requireAll(in); err != nil {
		return nil, err
	}
	deviceID := strings.TrimSpace(in.DeviceID)

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil {
		countFailure(ctx, s.deps.Lockouts.Biometric, key)
		pause(ctx, s.deps.Settings.BiometricFailureDelay)
		return nil, unauthenticated(msgInvalidBiometric)
	}
	if !user.IsPhoneVerified {
		return nil, forbidden("User phone number is not verified")
	}

	cred, err := s.activeCredential(ctx, user.ID, deviceID)
	if err != nil {
		return nil, internal("", err)
	}
	// an unregistered device answers exactly like a wrong token
	if cred == nil || subtle.ConstantTimeCompare([]byte(cred.Token), []byte(strings.TrimSpace(in.BiometricToken))) != 1 {
		countFailure(ctx, s.deps.Lockouts.Biometric, key)
		record(ctx, s.deps.Audit, model.ActionBiometricVerifyFailed, in.Client, user, "", map[string]string{"deviceId": deviceID})
		util.Warn("Biometric verification failed", util.Phone(phone), util.String("device_id", deviceID))
		pause(ctx, s.deps.Settings.BiometricFailureDelay)
		return nil, unauthenticated(msgInvalidBiometric)
	}

	clearFailures(ctx, s.deps.Lockouts.Biometric, key)
	cred.LastUsedAt = s.deps.Now().UTC()
	if err := s.deps.Repos.Biometrics.SaveCredential(ctx, cred); err != nil {
		util.Warn("Failed to update biometric usage", util.String("device_id", deviceID), util.ErrorField(err))
	}

	session, err := randomHex(32)
	if err != nil {
		return nil, internal("", err)
	}
	record(ctx, s.deps.Audit, model.ActionBiometricVerifySuccess, in.Client, user, "", map[string]string{"deviceId": deviceID})
	return &BiometricLogin{User: summarize(user), SessionToken: session}, nil
}

// Status lists the active credentials of a verified user.
func (s *BiometricService) Status(ctx context.Context, in BiometricInput) (*BiometricStatus, error) {
	user, err := s.verifiedUser(ctx, in.PhoneNumber)
	if err != nil {
		return nil, err
	}
	creds, err := s.deps.Repos.Biometrics.ListCredentials(ctx, user.ID)
	if err != nil {
		return nil, internal("", err)
	}

	status := &BiometricStatus{Credentials: []CredentialSummary{}}
	for _, c := range creds {
		if !c.IsActive {
			continue
		}
		summary := CredentialSummary{
			DeviceID:     c.DeviceID,
			DeviceName:   c.DeviceName,
			DeviceType:   c.DeviceType,
			RegisteredAt: c.CreatedAt,
		}
		if !c.LastUsedAt.IsZero() {
			lastUsed := c.LastUsedAt
			summary.LastUsedAt = &lastUsed
		}
		status.Credentials = append(status.Credentials, summary)
	}
	status.BiometricEnabled = len(status.Credentials) > 0
	return status, nil
}

// Disable deactivates one device, or every device when DeviceID is empty.
// It returns how many credentials were turned off.
func (s *BiometricService) Disable(ctx context.Context, in BiometricInput) (int, error) {
	user, err := s.verifiedUser(ctx, in.PhoneNumber)
	if err != nil {
		return 0, err
	}

	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID != "" {
		cred, err := s.activeCredential(ctx, user.ID, deviceID)
		if err != nil {
			return 0, internal("", err)
		}
		if cred == nil {
			return 0, notFound("Biometric credential not found for this device")
		}
		if err := s.deactivate(ctx, cred); err != nil {
			return 0, err
		}
		record(ctx, s.deps.Audit, model.ActionBiometricDisabled, in.Client, user, "", map[string]string{"deviceId": deviceID})
		return 1, nil
	}

	creds, err := s.deps.Repos.Biometrics.ListCredentials(ctx, user.ID)
	if err != nil {
		return 0, internal("", err)
	}
	count := 0
	for _, c := range creds {
		if !c.IsActive {
			continue
		}
		if err := s.deactivate(ctx, c); err != nil {
			return count, err
		}
		count++
	}
	record(ctx, s.deps.Audit, model.ActionBiometricDisabledAll, in.Client, user, "", map[string]string{"count": strconv.Itoa(count)})
	return count, nil
}

func (s *BiometricService) requireAll(in BiometricInput) (phone, token, deviceID string, err error) {
	phone = normalizePhone(in.PhoneNumber)
	token = strings.TrimSpace(in.BiometricToken)
	deviceID = strings.TrimSpace(in.DeviceID)
	switch {
	case phone == "":
		err = validation(msgPhoneRequiredEn)
	case token == "":
		err = validation("Biometric token is required")
	case deviceID == "":
		err = validation("Device ID is required")
	}
	return phone, token, deviceID, err
}

func (s *BiometricService) verifiedUser(ctx context.Context, phoneNumber string) (*model.User, error) {
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
		return nil, forbidden("User phone number is not verified")
	}
	return user, nil
}

func (s *BiometricService) activeCredential(ctx context.Context, userID, deviceID string) (*model.BiometricCredential, error) {
	cred, err := s.deps.Repos.Biometrics.GetCredential(ctx, userID, deviceID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cred.IsActive {
		return nil, nil
	}
	return cred, nil
}

func (s *BiometricService) deactivate(ctx context.Context, cred *model.BiometricCredential) error {
	cred.IsActive = false
	if err := s.deps.Repos.Biometrics.SaveCredential(ctx, cred); err != nil {
		return internal("", err)
	}
	return nil
}
