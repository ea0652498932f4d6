package service

import (
	"context"
	"time"

	"mfa-service/internal/config"
	"mfa-service/internal/hashing"
	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/signature"
	"mfa-service/internal/sms"
	"mfa-service/internal/totp"
)

// SecretCipher encrypts TOTP secrets at rest.
type SecretCipher interface {
	Encrypt(raw string) (string, error)
	Decrypt(stored string) (string, error)
}

// AuditRecorder stores access logs. It never reports failure to the caller.
type AuditRecorder interface {
	Record(ctx context.Context, entry model.AccessLog)
}

// Settings are the tunables the orchestrators read from configuration.
type Settings struct {
	AuthFailureDelay      time.Duration
	PINFailureDelay       time.Duration
	PINChangeFailureDelay time.Duration
	BiometricFailureDelay time.Duration
	CodeTTL               time.Duration
	VerificationTokenTTL  time.Duration
	EchoRecoveryCode      bool
	DefaultIssuer         string
	LabelPrefix           string
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		AuthFailureDelay:      cfg.Security.AuthFailureDelay,
		PINFailureDelay:       cfg.Security.PINFailureDelay,
		PINChangeFailureDelay: cfg.Security.PINChangeDelay,
		BiometricFailureDelay: cfg.Security.BiometricDelay,
		CodeTTL:               cfg.Recovery.CodeTTL,
		VerificationTokenTTL:  cfg.Recovery.TokenTTL,
		// a code never leaves the server in production, whatever the flag says
		EchoRecoveryCode: cfg.Recovery.EchoCode && !cfg.IsProduction(),
		DefaultIssuer:    cfg.Security.DefaultIssuer,
		LabelPrefix:      cfg.Security.LabelPrefix,
	}
}

// Lockouts groups the per-modality failure trackers.
type Lockouts struct {
	PIN       *ratelimit.Lockout
	Biometric *ratelimit.Lockout
	Recovery  *ratelimit.Lockout
}

// Dependencies is everything the orchestrators share.
type Dependencies struct {
	Repos    model.Repositories
	Codes    model.CodeStore
	Tokens   model.VerificationTokenStore
	Cipher   SecretCipher
	TOTP     *totp.Engine
	Signer   *signature.Signer
	Hasher   *hashing.PINHasher
	Audit    AuditRecorder
	SMS      sms.Sender
	Lockouts Lockouts
	Settings Settings
	Now      func() time.Time
}

// ServiceFactory builds the orchestrators once and hands out the shared instances.
type ServiceFactory struct {
	otpService       *OTPService
	pinService       *PINService
	biometricService *BiometricService
	recoveryService  *RecoveryService
	loginService     *LoginService
}

func NewServiceFactory(deps Dependencies) *ServiceFactory {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Settings.DefaultIssuer == "" {
		deps.Settings.DefaultIssuer = "Ghofli"
	}
	if deps.Settings.CodeTTL <= 0 {
		deps.Settings.CodeTTL = 5 * time.Minute
	}
	if deps.Settings.VerificationTokenTTL <= 0 {
		deps.Settings.VerificationTokenTTL = 30 * time.Minute
	}

	f := &ServiceFactory{
		otpService:       NewOTPService(deps),
		pinService:       NewPINService(deps),
		biometricService: NewBiometricService(deps),
		recoveryService:  NewRecoveryService(deps),
	}
	f.loginService = NewLoginService(f.pinService, f.biometricService, f.otpService)
	return f
}

func (f *ServiceFactory) OTPService() *OTPService {
	return f.otpService
}

func (f *ServiceFactory) PINService() *PINService {
	return f.pinService
}

func (f *ServiceFactory) BiometricService() *BiometricService {
	return f.biometricService
}

func (f *ServiceFactory) RecoveryService() *RecoveryService {
	return f.recoveryService
}

func (f *ServiceFactory) LoginService() *LoginService {
	return f.loginService
}
