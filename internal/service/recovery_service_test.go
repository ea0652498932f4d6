package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mfa-service/internal/model"
	"mfa-service/internal/service"
)

func rec(phone, code string) service.RecoveryInput {
	return service.RecoveryInput{PhoneNumber: phone, Code: code, Client: client}
}

func TestRecovery_RequestOTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	rs := h.factory.RecoveryService()

	code, err := rs.RequestOTP(ctx, rec("09120000000", ""))
	require.NoError(t, err)
	assert.Len(t, code, 5)
	assert.GreaterOrEqual(t, code, "10000")
	assert.Equal(t, code, h.sms.last("09120000000"))

	// unknown phone numbers keep the code in the state store
	pending, err := h.state.GetCode(ctx, "09120000000")
	require.NoError(t, err)
	assert.Equal(t, code, pending.Code)

	user := h.user(t, "09350000000", false)
	code, err = rs.RequestOTP(ctx, rec(user.PhoneNumber, ""))
	require.NoError(t, err)
	stored, err := h.store.GetUserByPhone(ctx, user.PhoneNumber)
	require.NoError(t, err)
	assert.Equal(t, code, stored.VerificationCode)

	_, err = rs.RequestOTP(ctx, rec("", ""))
	requireKind(t, err, service.ErrValidation, "شماره موبایل الزامی است")
}

func TestRecovery_SMSFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sms.fail = true

	_, err := h.factory.RecoveryService().RequestOTP(context.Background(), rec("09120000000", ""))
	requireKind(t, err, service.ErrInternal, "Failed to send SMS")
}

func TestRecovery_WrongAndExpiredCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	rs := h.factory.RecoveryService()

	_, err := rs.VerifyOTPOnly(ctx, rec("09120000000", "12345"))
	requireKind(t, err, service.ErrValidation, "کد اشتباه است")

	code, err := rs.RequestOTP(ctx, rec("09120000000", ""))
	require.NoError(t, err)

	_, err = rs.VerifyOTPOnly(ctx, rec("09120000000", wrongRecoveryCode(code)))
	requireKind(t, err, service.ErrValidation, "کد اشتباه است")

	h.clock.Advance(6 * time.Minute)
	_, err = rs.VerifyOTPOnly(ctx, rec("09120000000", code))
	requireKind(t, err, service.ErrValidation, "کد منقضی شده است")

	// the expired code is gone
	_, err = rs.VerifyOTPOnly(ctx, rec("09120000000", code))
	requireKind(t, err, service.ErrValidation, "کد اشتباه است")

	assert.Contains(t, h.actions(), model.ActionRecoveryFailed)
}

func TestRecovery_CreateUserWithPIN(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	rs := h.factory.RecoveryService()
	phone := "09120000000"

	code, err := rs.RequestOTP(ctx, rec(phone, ""))
	require.NoError(t, err)
	token, err := rs.VerifyOTPOnly(ctx, rec(phone, code))
	require.NoError(t, err)
	assert.Len(t, token, 64)

	// codes are single use
	_, err = rs.VerifyOTPOnly(ctx, rec(phone, code))
	requireKind(t, err, service.ErrValidation, "کد اشتباه است")

	_, err = rs.CreateUserWithPIN(ctx, service.RecoveryInput{PhoneNumber: phone, VerificationToken: token, PIN: "12"})
	requireKind(t, err, service.ErrValidation, "PIN must be 4-6 digits only")

	_, err = rs.CreateUserWithPIN(ctx, service.RecoveryInput{PhoneNumber: "09350000000", VerificationToken: token, PIN: "1234"})
	requireKind(t, err, service.ErrValidation, "توکن تایید نامعتبر یا منقضی شده است")

	// a token spent on the wrong phone number is gone
	_, err = rs.CreateUserWithPIN(ctx, service.RecoveryInput{PhoneNumber: phone, VerificationToken: token, PIN: "1234"})
	requireKind(t, err, service.ErrValidation, "توکن تایید نامعتبر یا منقضی شده است")

	code, err = rs.RequestOTP(ctx, rec(phone, ""))
	require.NoError(t, err)
	token, err = rs.VerifyOTPOnly(ctx, rec(phone, code))
	require.NoError(t, err)

	account, err := rs.CreateUserWithPIN(ctx, service.RecoveryInput{PhoneNumber: phone, VerificationToken: token, PIN: "1234", Client: client})
	require.NoError(t, err)
	assert.True(t, account.IsPhoneVerified)
	assert.True(t, account.PINEnabled)

	_, err = rs.CreateUserWithPIN(ctx, service.RecoveryInput{PhoneNumber: phone, VerificationToken: token, PIN: "1234"})
	requireKind(t, err, service.ErrValidation, "توکن تایید نامعتبر یا منقضی شده است")

	_, err = h.factory.PINService().Verify(ctx, service.PINInput{PhoneNumber: phone, PIN: "1234", Client: client})
	require.NoError(t, err)
}

func TestRecovery_VerificationTokenExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	rs := h.factory.RecoveryService()

	code, err := rs.RequestOTP(ctx, rec("09120000000", ""))
	require.NoError(t, err)
	token, err := rs.VerifyOTPOnly(ctx, rec("09120000000", code))
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)
	_, err = rs.CreateUserWithPIN(ctx, service.RecoveryInput{PhoneNumber: "09120000000", VerificationToken: token, PIN: "1234"})
	requireKind(t, err, service.ErrValidation, "توکن تایید نامعتبر یا منقضی شده است")
}

func TestRecovery_VerifyAndSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	rs := h.factory.RecoveryService()

	user := h.user(t, "09120000000", false)
	_, bankSecret := h.token(t, user, h.app(t, "Bank", "key-bank"), true)
	broken, _ := h.token(t, user, h.app(t, "Shop", "key-shop"), true)
	broken.EncryptedSecret = "00:zz"
	require.NoError(t, h.store.UpdateToken(ctx, broken))

	code, err := rs.RequestOTP(ctx, rec(user.PhoneNumber, ""))
	require.NoError(t, err)

	tokens, err := rs.VerifyAndSync(ctx, rec(user.PhoneNumber, code))
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, bankSecret, tokens[0].Secret)
	assert.Equal(t, "Bank", tokens[0].Label)
	assert.Equal(t, "Bank Inc", tokens[0].Issuer)
	assert.Equal(t, "key-bank", tokens[0].APIKey)

	stored, err := h.store.GetUserByPhone(ctx, user.PhoneNumber)
	require.NoError(t, err)
	assert.True(t, stored.IsPhoneVerified)
	assert.Empty(t, stored.VerificationCode)

	_, err = rs.VerifyAndSync(ctx, rec(user.PhoneNumber, code))
	requireKind(t, err, service.ErrValidation, "کد اشتباه است")
}

func TestRecovery_LockoutOnWrongCodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	rs := h.factory.RecoveryService()

	code, err := rs.RequestOTP(ctx, rec("09120000000", ""))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = rs.VerifyOTPOnly(ctx, rec("09120000000", wrongRecoveryCode(code)))
		requireKind(t, err, service.ErrValidation, "")
	}
	_, err = rs.VerifyOTPOnly(ctx, rec("09120000000", code))
	requireKind(t, err, service.ErrRateLimited, "")
}

func wrongRecoveryCode(code string) string {
	if code == "99999" {
		return "10000"
	}
	return "99999"
}
