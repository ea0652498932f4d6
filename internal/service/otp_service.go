package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mfa-service/internal/model"
	"mfa-service/internal/totp"
	"mfa-service/internal/util"
)

// Sync actions.
const (
	SyncCreateToken   = "CREATE_NEW_TOKEN"
	SyncDeleteAccount = "DELETE_ACCOUNT"
	SyncList          = "LIST"
)

const (
	msgIncompleteInput   = "اطلاعات ناقص"
	msgInvalidAPIKey     = "API Key نامعتبر است"
	msgServiceInactive   = "این سرویس هنوز در اپلیکیشن قفلی فعال نشده است"
	msgInvalidCredential = "اطلاعات وارد شده نامعتبر است"
	msgBadSignature      = "امضای دیجیتال نامعتبر است"
	msgNoService         = "سرویس برای این کاربر یافت نشد"
	msgInvalidSecret     = "سکرت نامعتبر است"
	msgUserOrAppNotFound = "کاربر یا اپلیکیشن یافت نشد"
	msgPhoneRequired     = "شماره موبایل الزامی است"
	msgUserNotFoundFa    = "کاربر یافت نشد"
	msgAppRequired       = "انتخاب اپلیکیشن الزامی است"
	msgSyncFailed        = "خطا در مدیریت توکن‌ها"
)

type OTPService struct {
	deps Dependencies
}

func NewOTPService(deps Dependencies) *OTPService {
	return &OTPService{deps: deps}
}

type AuthenticateInput struct {
	APIKey      string
	PhoneNumber string
	Token       string
	Client      ClientInfo
}

type AuthenticateResult struct {
	PhoneNumber string `json:"phoneNumber"`
	AppName     string `json:"appName"`
}

// Authenticate checks a TOTP code for the user's verified token of the app
// identified by the API key.
func (s *OTPService) Authenticate(ctx context.Context, in AuthenticateInput) (*AuthenticateResult, error) {
	apiKey := strings.TrimSpace(in.APIKey)
	phone := normalizePhone(in.PhoneNumber)
	if apiKey == "" || phone == "" || strings.TrimSpace(in.Token) == "" {
		return nil, validation(msgIncompleteInput)
	}

	app, err := s.deps.Repos.Apps.GetAppByAPIKey(ctx, apiKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil, notFound(msgInvalidAPIKey)
	}
	if err != nil {
		return nil, internal("", err)
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil {
		return nil, notFound(msgServiceInactive)
	}

	token, err := s.verifiedToken(ctx, user.ID, app.ID)
	if err != nil {
		return nil, internal("", err)
	}
	if token == nil {
		return nil, notFound(msgServiceInactive)
	}

	ok, err := s.checkCode(token, in.Token)
	if err != nil {
		return nil, internal("", err)
	}

	meta := map[string]string{"appId": app.ID}
	if !ok {
		record(ctx, s.deps.Audit, model.ActionVerifyFailed, in.Client, user, token.ID, meta)
		util.Warn("TOTP authentication failed", util.Phone(phone), util.String("app_id", app.ID))
		pause(ctx, s.deps.Settings.AuthFailureDelay)
		return nil, unauthenticated(msgInvalidCredential)
	}

	token.LastUsedAt = s.deps.Now().UTC()
	if err := s.deps.Repos.Tokens.UpdateToken(ctx, token); err != nil {
		util.Warn("Failed to update token usage", util.String("token_id", token.ID), util.ErrorField(err))
	}
	record(ctx, s.deps.Audit, model.ActionVerifySuccess, in.Client, user, token.ID, meta)

	return &AuthenticateResult{PhoneNumber: user.PhoneNumber, AppName: app.Name}, nil
}

type VerifyOTPInput struct {
	PhoneNumber string
	Secret      string
	Token       string
	Client      ClientInfo
}

// VerifyOTPResult reports either a confirmed secret or a code check.
type VerifyOTPResult struct {
	SecretConfirmed bool
	Valid           bool
}

// VerifyOTP runs against the user's most recent token. A secret confirms the
// token after a signed request; a code is checked like Authenticate.
func (s *OTPService) VerifyOTP(ctx context.Context, in VerifyOTPInput) (*VerifyOTPResult, error) {
	phone := normalizePhone(in.PhoneNumber)
	secret := strings.TrimSpace(in.Secret)
	code := strings.TrimSpace(in.Token)

	if secret != "" && !s.deps.Signer.Verify(in.Client.Signature, in.Client.Timestamp, phone) {
		return nil, forbidden(msgBadSignature)
	}
	if secret == "" && code == "" {
		return nil, validation("Token or Secret is required")
	}
	if phone == "" {
		return nil, validation("Phone number is required")
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil {
		return nil, notFound(msgNoService)
	}
	tokens, err := s.deps.Repos.Tokens.ListTokensByUser(ctx, user.ID)
	if err != nil {
		return nil, internal("", err)
	}
	if len(tokens) == 0 {
		return nil, notFound(msgNoService)
	}
	token := tokens[0]

	if secret != "" {
		stored, err := s.deps.Cipher.Decrypt(token.EncryptedSecret)
		if err != nil {
			return nil, internal("", err)
		}
		if subtle.ConstantTimeCompare([]byte(canonicalSecret(stored)), []byte(canonicalSecret(secret))) != 1 {
			return nil, validation(msgInvalidSecret)
		}
		if !token.IsVerified {
			token.IsVerified = true
			if err := s.deps.Repos.Tokens.UpdateToken(ctx, token); err != nil {
				return nil, internal("", err)
			}
		}
		record(ctx, s.deps.Audit, model.ActionVerifySuccess, in.Client, user, token.ID,
			map[string]string{"appId": token.AppID, "mode": "secret"})
		return &VerifyOTPResult{SecretConfirmed: true, Valid: true}, nil
	}

	ok, err := s.checkCode(token, code)
	if err != nil {
		return nil, internal("", err)
	}
	action := model.ActionVerifySuccess
	if !ok {
		action = model.ActionVerifyFailed
	}
	record(ctx, s.deps.Audit, action, in.Client, user, token.ID, map[string]string{"appId": token.AppID, "mode": "code"})
	if !ok {
		pause(ctx, s.deps.Settings.AuthFailureDelay)
	}
	return &VerifyOTPResult{Valid: ok}, nil
}

type RemoveOTPInput struct {
	PhoneNumber string
	APIKey      string
	Client      ClientInfo
}

// RemoveOTP archives and deletes the user's token for an app.
func (s *OTPService) RemoveOTP(ctx context.Context, in RemoveOTPInput) error {
	phone := normalizePhone(in.PhoneNumber)
	if !s.deps.Signer.Verify(in.Client.Signature, in.Client.Timestamp, phone) {
		return forbidden("Unauthorized request")
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return internal("", err)
	}
	if user == nil {
		return notFound("User not found")
	}
	app, err := s.deps.Repos.Apps.GetAppByAPIKey(ctx, strings.TrimSpace(in.APIKey))
	if errors.Is(err, model.ErrNotFound) {
		return notFound("App not found")
	}
	if err != nil {
		return internal("", err)
	}

	token, err := s.latestToken(ctx, user.ID, app.ID, false)
	if err != nil {
		return internal("", err)
	}
	if token == nil {
		return notFound("Service with these specifications not found")
	}

	if err := s.archive(ctx, user, app, token, in.Client); err != nil {
		return internal("", err)
	}
	return nil
}

type GenerateQRInput struct {
	PhoneNumber string
	AppID       string
}

type GenerateQRResult struct {
	TokenID string
	AppName string
	Issuer  string
	Label   string
	Secret  string
	URI     string
}

// GenerateQR provisions a new, unverified token and returns its otpauth URI.
func (s *OTPService) GenerateQR(ctx context.Context, in GenerateQRInput) (*GenerateQRResult, error) {
	phone := normalizePhone(in.PhoneNumber)
	appID := strings.TrimSpace(in.AppID)
	if phone == "" || appID == "" {
		return nil, validation(msgIncompleteInput)
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal("", err)
	}
	app, err := s.findApp(ctx, appID)
	if err != nil {
		return nil, internal("", err)
	}
	if user == nil || app == nil {
		return nil, notFound(msgUserOrAppNotFound)
	}

	token, secret, err := s.provision(ctx, user, app, false)
	if err != nil {
		return nil, internal("", err)
	}

	label := s.label(app, user.PhoneNumber)
	issuer := s.issuer(app)
	return &GenerateQRResult{
		TokenID: token.ID,
		AppName: app.Name,
		Issuer:  issuer,
		Label:   label,
		Secret:  secret,
		URI:     totp.ProvisioningURI(label, secret, issuer, app.APIKey),
	}, nil
}

type SyncInput struct {
	PhoneNumber string
	Action      string
	AppID       string
	AccountID   string
	Client      ClientInfo
}

// SyncedToken is a freshly provisioned token handed to the device.
type SyncedToken struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	Issuer string `json:"issuer"`
	Label  string `json:"label"`
}

// TokenSummary lists a token without its secret.
type TokenSummary struct {
	ID         string     `json:"id"`
	Issuer     string     `json:"issuer"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
}

type SyncResult struct {
	NewToken *SyncedToken
	Tokens   []TokenSummary
}

// Sync manages the device's token list: create, delete or list.
func (s *OTPService) Sync(ctx context.Context, in SyncInput) (*SyncResult, error) {
	phone := normalizePhone(in.PhoneNumber)
	if !s.deps.Signer.Verify(in.Client.Signature, in.Client.Timestamp, phone) {
		return nil, forbidden(msgBadSignature)
	}
	if phone == "" {
		return nil, validation(msgPhoneRequired)
	}

	user, err := findUser(ctx, s.deps.Repos.Users, phone)
	if err != nil {
		return nil, internal(msgSyncFailed, err)
	}
	if user == nil {
		return nil, notFound(msgUserNotFoundFa)
	}

	action := strings.TrimSpace(in.Action)
	if action == "" {
		action = SyncList
	}
	switch action {
	case SyncCreateToken:
		appID := strings.TrimSpace(in.AppID)
		if appID == "" {
			return nil, validation(msgAppRequired)
		}
		app, err := s.findApp(ctx, appID)
		if err != nil {
			return nil, internal(msgSyncFailed, err)
		}
		if app == nil {
			return nil, notFound(msgUserOrAppNotFound)
		}
		token, secret, err := s.provision(ctx, user, app, true)
		if err != nil {
			return nil, internal(msgSyncFailed, err)
		}
		record(ctx, s.deps.Audit, model.ActionTokenCreated, in.Client, user, token.ID, map[string]string{"appId": app.ID})
		return &SyncResult{NewToken: &SyncedToken{
			ID:     token.ID,
			Secret: secret,
			Issuer: s.issuer(app),
			Label:  s.label(app, user.PhoneNumber),
		}}, nil

	case SyncDeleteAccount:
		accountID := strings.TrimSpace(in.AccountID)
		if accountID == "" {
			return nil, validation("Account ID is required")
		}
		token, err := s.deps.Repos.Tokens.GetToken(ctx, accountID)
		if errors.Is(err, model.ErrNotFound) || (err == nil && token.UserID != user.ID) {
			return nil, notFound("Service with these specifications not found")
		}
		if err != nil {
			return nil, internal(msgSyncFailed, err)
		}
		app, err := s.findApp(ctx, token.AppID)
		if err != nil {
			return nil, internal(msgSyncFailed, err)
		}
		if err := s.archive(ctx, user, app, token, in.Client); err != nil {
			return nil, internal(msgSyncFailed, err)
		}
		fallthrough

	case SyncList:
		tokens, err := s.summaries(ctx, user.ID)
		if err != nil {
			return nil, internal(msgSyncFailed, err)
		}
		return &SyncResult{Tokens: tokens}, nil
	}

	return nil, validation("Invalid action")
}

func (s *OTPService) summaries(ctx context.Context, userID string) ([]TokenSummary, error) {
	tokens, err := s.deps.Repos.Tokens.ListTokensByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	apps := make(map[string]*model.App)
	out := make([]TokenSummary, 0, len(tokens))
	for _, t := range tokens {
		app, ok := apps[t.AppID]
		if !ok {
			if app, err = s.findApp(ctx, t.AppID); err != nil {
				return nil, err
			}
			apps[t.AppID] = app
		}
		summary := TokenSummary{ID: t.ID, Issuer: s.issuer(app), CreatedAt: t.CreatedAt}
		if app != nil {
			summary.Label = app.Name
		}
		if !t.LastUsedAt.IsZero() {
			lastUsed := t.LastUsedAt
			summary.LastUsedAt = &lastUsed
		}
		out = append(out, summary)
	}
	return out, nil
}

// provision creates a token with a fresh secret and returns the plain secret.
func (s *OTPService) provision(ctx context.Context, user *model.User, app *model.App, verified bool) (*model.OTPToken, string, error) {
	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	encrypted, err := s.deps.Cipher.Encrypt(secret)
	if err != nil {
		return nil, "", err
	}
	token := &model.OTPToken{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		AppID:           app.ID,
		EncryptedSecret: encrypted,
		IsVerified:      verified,
		CreatedAt:       s.deps.Now().UTC(),
	}
	if err := s.deps.Repos.Tokens.CreateToken(ctx, token); err != nil {
		return nil, "", fmt.Errorf("failed to create token: %w", err)
	}
	return token, secret, nil
}

// archive writes the history row and the access log, then deletes the token.
func (s *OTPService) archive(ctx context.Context, user *model.User, app *model.App, token *model.OTPToken, client ClientInfo) error {
	appName := "Unknown"
	if app != nil {
		appName = app.Name
	}
	entry := &model.OTPTokenHistory{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		AppID:             token.AppID,
		AppNameAtDeletion: appName,
		CreatedAtOriginal: token.CreatedAt,
		LastUsedAt:        token.LastUsedAt,
		DeletedAt:         s.deps.Now().UTC(),
	}
	if err := s.deps.Repos.History.CreateHistory(ctx, entry); err != nil {
		return fmt.Errorf("failed to archive token: %w", err)
	}
	record(ctx, s.deps.Audit, model.ActionTokenDeleted, client, user, token.ID,
		map[string]string{"appId": token.AppID, "appName": appName})
	if err := s.deps.Repos.Tokens.DeleteToken(ctx, token); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *OTPService) verifiedToken(ctx context.Context, userID, appID string) (*model.OTPToken, error) {
	return s.latestToken(ctx, userID, appID, true)
}

func (s *OTPService) latestToken(ctx context.Context, userID, appID string, verifiedOnly bool) (*model.OTPToken, error) {
	tokens, err := s.deps.Repos.Tokens.ListTokensByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range tokens {
		if t.AppID == appID && (t.IsVerified || !verifiedOnly) {
			return t, nil
		}
	}
	return nil, nil
}

func (s *OTPService) checkCode(token *model.OTPToken, code string) (bool, error) {
	secret, err := s.deps.Cipher.Decrypt(token.EncryptedSecret)
	if err != nil {
		return false, err
	}
	return s.deps.TOTP.Verify(secret, code)
}

func (s *OTPService) findApp(ctx context.Context, id string) (*model.App, error) {
	app, err := s.deps.Repos.Apps.GetAppByID(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return app, err
}

func (s *OTPService) issuer(app *model.App) string {
	if app != nil && app.Issuer != "" {
		return app.Issuer
	}
	return s.deps.Settings.DefaultIssuer
}

func (s *OTPService) label(app *model.App, phone string) string {
	return fmt.Sprintf("%s:%s (%s)", s.deps.Settings.LabelPrefix, app.Name, phone)
}

func canonicalSecret(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
