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

func bio(phone, token, device string) service.BiometricInput {
	return service.BiometricInput{PhoneNumber: phone, BiometricToken: token, DeviceID: device, Client: client}
}

func TestBiometric_RegisterCreatesVerifiedUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bs := h.factory.BiometricService()

	res, err := bs.Register(ctx, bio("09120000000", "t1", "d1"))
	require.NoError(t, err)
	assert.True(t, res.IsNewUser)
	assert.NotEmpty(t, res.CredentialID)

	user, err := h.store.GetUserByPhone(ctx, "09120000000")
	require.NoError(t, err)
	assert.True(t, user.IsPhoneVerified)

	again, err := bs.Register(ctx, bio("09120000000", "t1b", "d1"))
	require.NoError(t, err)
	assert.False(t, again.IsNewUser)
	assert.Equal(t, res.CredentialID, again.CredentialID)

	creds, err := h.store.ListCredentials(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "unknown", creds[0].DeviceType)

	logs := h.store.AccessLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, model.ActionBiometricRegistered, logs[0].Action)
	assert.Equal(t, "true", logs[0].Metadata["isNewUser"])
	assert.Equal(t, "d1", logs[0].Metadata["deviceId"])
}

func TestBiometric_RegisterValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bs := newHarness(t).factory.BiometricService()

	tests := []struct {
		name string
		in   service.BiometricInput
		msg  string
	}{
		{"phone", bio("", "t1", "d1"), "Phone number is required"},
		{"token", bio("09120000000", "", "d1"), "Biometric token is required"},
		{"device", bio("09120000000", "t1", ""), "Device ID is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bs.Register(ctx, tt.in)
			requireKind(t, err, service.ErrValidation, tt.msg)
		})
	}
}

func TestBiometric_Verify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bs := h.factory.BiometricService()
	h.user(t, "09350000000", false)

	_, err := bs.Register(ctx, bio("09120000000", "t1", "d1"))
	require.NoError(t, err)

	login, err := bs.Verify(ctx, bio("09120000000", "t1", "d1"))
	require.NoError(t, err)
	assert.Len(t, login.SessionToken, 64)
	assert.True(t, login.User.IsPhoneVerified)

	_, err = bs.Verify(ctx, bio("09120000000", "t2", "d1"))
	requireKind(t, err, service.ErrAuthentication, "Invalid biometric token")

	_, err = bs.Verify(ctx, bio("09120000000", "t1", "d2"))
	requireKind(t, err, service.ErrAuthentication, "Invalid biometric token")

	_, err = bs.Verify(ctx, bio("09990000000", "t1", "d1"))
	requireKind(t, err, service.ErrAuthentication, "Invalid biometric token")

	_, err = bs.Verify(ctx, bio("09350000000", "t1", "d1"))
	requireKind(t, err, service.ErrForbidden, "User phone number is not verified")
}

func TestBiometric_UnknownDeviceCountsAsFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bs := h.factory.BiometricService()

	_, err := bs.Register(ctx, bio("09120000000", "t1", "d1"))
	require.NoError(t, err)

	for _, device := range []string{"d2", "d3", "d4"} {
		_, err = bs.Verify(ctx, bio("09120000000", "t1", device))
		requireKind(t, err, service.ErrAuthentication, "Invalid biometric token")
	}
	failed := 0
	for _, a := range h.actions() {
		if a == model.ActionBiometricVerifyFailed {
			failed++
		}
	}
	assert.Equal(t, 3, failed)

	_, err = bs.Verify(ctx, bio("09120000000", "t1", "d1"))
	requireKind(t, err, service.ErrRateLimited, "")
}

func TestBiometric_LockoutAfterThreeFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bs := h.factory.BiometricService()

	_, err := bs.Register(ctx, bio("09120000000", "t1", "d1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = bs.Verify(ctx, bio("09120000000", "bad", "d1"))
		requireKind(t, err, service.ErrAuthentication, "")
	}
	_, err = bs.Verify(ctx, bio("09120000000", "t1", "d1"))
	se := requireKind(t, err, service.ErrRateLimited, "")
	assert.True(t, se.Locked)

	h.clock.Advance(16 * time.Minute)
	_, err = bs.Verify(ctx, bio("09120000000", "t1", "d1"))
	require.NoError(t, err)
}

func TestBiometric_StatusAndDisable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bs := h.factory.BiometricService()
	phone := "09120000000"

	for _, d := range []string{"d1", "d2", "d3"} {
		_, err := bs.Register(ctx, bio(phone, "t-"+d, d))
		require.NoError(t, err)
	}
	_, err := bs.Verify(ctx, bio(phone, "t-d1", "d1"))
	require.NoError(t, err)

	status, err := bs.Status(ctx, bio(phone, "", ""))
	require.NoError(t, err)
	assert.True(t, status.BiometricEnabled)
	require.Len(t, status.Credentials, 3)

	n, err := bs.Disable(ctx, bio(phone, "", "d2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = bs.Disable(ctx, bio(phone, "", "d2"))
	requireKind(t, err, service.ErrNotFound, "Biometric credential not found for this device")

	_, err = bs.Verify(ctx, bio(phone, "t-d2", "d2"))
	requireKind(t, err, service.ErrNotFound, "")

	n, err = bs.Disable(ctx, bio(phone, "", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, err = bs.Status(ctx, bio(phone, "", ""))
	require.NoError(t, err)
	assert.False(t, status.BiometricEnabled)
	assert.Empty(t, status.Credentials)

	logs := h.store.AccessLogs()
	last := logs[len(logs)-1]
	assert.Equal(t, model.ActionBiometricDisabledAll, last.Action)
	assert.Equal(t, "2", last.Metadata["count"])

	_, err = bs.Status(ctx, bio("09990000000", "", ""))
	requireKind(t, err, service.ErrNotFound, "User not found")
}
