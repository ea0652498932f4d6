package model

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// -------------------- USER MODEL --------------------

// User is identified by a unique phone number. The PIN hash is not part of
// the struct; it is only reachable through UserRepository.GetPINHash.
type User struct {
	ID                 string    `json:"id"`
	PhoneNumber        string    `json:"phoneNumber"`
	IsPhoneVerified    bool      `json:"isPhoneVerified"`
	PINEnabled         bool      `json:"pinEnabled"`
	PINLastChanged     time.Time `json:"pinLastChanged,omitempty"`
	VerificationCode   string    `json:"-"`
	VerificationExpire time.Time `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// -------------------- APP MODEL --------------------

// App is a relying application, created by the admin workflow.
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Issuer    string    `json:"issuer"`
	Slug      string    `json:"slug"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// -------------------- OTP TOKEN MODEL --------------------

// OTPToken binds a user to an app through a TOTP secret. EncryptedSecret
// always has the form hex(iv) + ":" + hex(ciphertext).
type OTPToken struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	AppID           string    `json:"appId"`
	EncryptedSecret string    `json:"-"`
	IsVerified      bool      `json:"isVerified"`
	LastUsedAt      time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// OTPTokenHistory archives a deleted OTPToken. Append-only.
type OTPTokenHistory struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	AppID             string    `json:"appId"`
	AppNameAtDeletion string    `json:"appNameAtDeletion"`
	CreatedAtOriginal time.Time `json:"createdAtOriginal"`
	LastUsedAt        time.Time `json:"lastUsedAt,omitempty"`
	DeletedAt         time.Time `json:"deletedAt"`
}

// -------------------- BIOMETRIC MODEL --------------------

// BiometricCredential is unique per (UserID, DeviceID).
type BiometricCredential struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	Token      string    `json:"-"`
	DeviceType string    `json:"deviceType,omitempty"`
	DeviceName string    `json:"deviceName,omitempty"`
	IsActive   bool      `json:"isActive"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// -------------------- ACCESS LOG MODEL --------------------

type Action string

const (
	ActionVerifySuccess          Action = "VERIFY_SUCCESS"
	ActionVerifyFailed           Action = "VERIFY_FAILED"
	ActionRecoveryInitiated      Action = "RECOVERY_INITIATED"
	ActionRecoveryVerified       Action = "RECOVERY_VERIFIED"
	ActionRecoveryFailed         Action = "RECOVERY_FAILED"
	ActionRecoverySynced         Action = "RECOVERY_SYNCED"
	ActionTokenCreated           Action = "TOKEN_CREATED"
	ActionTokenDeleted           Action = "TOKEN_DELETED"
	ActionPINSet                 Action = "PIN_SET"
	ActionPINChanged             Action = "PIN_CHANGED"
	ActionPINChangeFailed        Action = "PIN_CHANGE_FAILED"
	ActionPINVerifySuccess       Action = "PIN_VERIFY_SUCCESS"
	ActionPINVerifyFailed        Action = "PIN_VERIFY_FAILED"
	ActionPINDisabled            Action = "PIN_DISABLED"
	ActionBiometricRegistered    Action = "BIOMETRIC_REGISTERED"
	ActionBiometricVerifySuccess Action = "BIOMETRIC_VERIFY_SUCCESS"
	ActionBiometricVerifyFailed  Action = "BIOMETRIC_VERIFY_FAILED"
	ActionBiometricDisabled      Action = "BIOMETRIC_DISABLED"
	ActionBiometricDisabledAll   Action = "BIOMETRIC_DISABLED_ALL"
)

// AccessLog is an append-only audit entry.
type AccessLog struct {
	ID          string            `json:"id"`
	Action      Action            `json:"action"`
	UserID      string            `json:"userId,omitempty"`
	TokenID     string            `json:"tokenId,omitempty"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	IPAddress   string            `json:"ipAddress"`
	UserAgent   string            `json:"userAgent"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// PendingCode is a recovery code waiting for verification.
type PendingCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// UserRepository returns ErrNotFound for unknown users and ErrAlreadyExists
// when a phone number is taken.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phoneNumber string) (*User, error)
	// UpdateUser persists verification state; it never touches PIN fields.
	UpdateUser(ctx context.Context, user *User) error
	// GetPINHash is the privileged read of the stored PIN hash.
	GetPINHash(ctx context.Context, userID string) (string, error)
	// SetPIN stores a hash produced by the caller. An empty hash clears it.
	SetPIN(ctx context.Context, userID, pinHash string, enabled bool, changedAt time.Time) error
}

type AppRepository interface {
	CreateApp(ctx context.Context, app *App) error
	GetAppByID(ctx context.Context, id string) (*App, error)
	GetAppByAPIKey(ctx context.Context, apiKey string) (*App, error)
}

type TokenRepository interface {
	CreateToken(ctx context.Context, token *OTPToken) error
	GetToken(ctx context.Context, id string) (*OTPToken, error)
	// ListTokensByUser returns the user's tokens, newest first.
	ListTokensByUser(ctx context.Context, userID string) ([]*OTPToken, error)
	UpdateToken(ctx context.Context, token *OTPToken) error
	DeleteToken(ctx context.Context, token *OTPToken) error
}

type HistoryRepository interface {
	CreateHistory(ctx context.Context, entry *OTPTokenHistory) error
	ListHistoryByUser(ctx context.Context, userID string) ([]*OTPTokenHistory, error)
}

type BiometricRepository interface {
	GetCredential(ctx context.Context, userID, deviceID string) (*BiometricCredential, error)
	ListCredentials(ctx context.Context, userID string) ([]*BiometricCredential, error)
	// SaveCredential inserts or replaces the credential for (UserID, DeviceID).
	SaveCredential(ctx context.Context, cred *BiometricCredential) error
}

type AccessLogRepository interface {
	CreateAccessLog(ctx context.Context, entry *AccessLog) error
}

// Repositories groups the credential store.
type Repositories struct {
	Users      UserRepository
	Apps       AppRepository
	Tokens     TokenRepository
	History    HistoryRepository
	Biometrics BiometricRepository
	AccessLogs AccessLogRepository
}

// -------------------- STATE INTERFACES --------------------

// CodeStore keeps recovery codes for phone numbers that have no user record.
type CodeStore interface {
	SaveCode(ctx context.Context, phoneNumber string, code PendingCode, ttl time.Duration) error
	GetCode(ctx context.Context, phoneNumber string) (*PendingCode, error)
	DeleteCode(ctx context.Context, phoneNumber string) error
}

// VerificationTokenStore maps single-use verification tokens to phone numbers.
type VerificationTokenStore interface {
	SaveVerificationToken(ctx context.Context, token, phoneNumber string, ttl time.Duration) error
	// ConsumeVerificationToken atomically returns and deletes the token.
	ConsumeVerificationToken(ctx context.Context, token string) (string, error)
}
