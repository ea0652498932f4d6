package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mfa-service/internal/model"
	"mfa-service/internal/repository/memory"
)

func TestStore_Users(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()

	u := &model.User{PhoneNumber: "09120000000"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.NotEmpty(t, u.ID)

	err := s.CreateUser(ctx, &model.User{PhoneNumber: "09120000000"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	got, err := s.GetUserByPhone(ctx, "09120000000")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByPhone(ctx, "09350000000")
	assert.ErrorIs(t, err, model.ErrNotFound)

	got.IsPhoneVerified = true
	got.VerificationCode = "12345"
	require.NoError(t, s.UpdateUser(ctx, got))

	changed := time.Now()
	require.NoError(t, s.SetPIN(ctx, u.ID, "$2a$10$hash", true, changed))

	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPhoneVerified)
	assert.True(t, got.PINEnabled)
	assert.Equal(t, "12345", got.VerificationCode)

	hash, err := s.GetPINHash(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", hash)

	// verification updates never touch the PIN
	got.IsPhoneVerified = false
	require.NoError(t, s.UpdateUser(ctx, got))
	hash, err = s.GetPINHash(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", hash)
}

func TestStore_TokensNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()

	base := time.Now()
	first := &model.OTPToken{UserID: "u1", AppID: "a1", CreatedAt: base}
	second := &model.OTPToken{UserID: "u1", AppID: "a2", CreatedAt: base.Add(time.Second)}
	same := &model.OTPToken{UserID: "u1", AppID: "a3", CreatedAt: base.Add(time.Second)}
	other := &model.OTPToken{UserID: "u2", AppID: "a1", CreatedAt: base}
	for _, tok := range []*model.OTPToken{first, second, same, other} {
		require.NoError(t, s.CreateToken(ctx, tok))
	}

	list, err := s.ListTokensByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, same.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, first.ID, list[2].ID)

	require.NoError(t, s.DeleteToken(ctx, second))
	_, err = s.GetToken(ctx, second.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.DeleteToken(ctx, second), model.ErrNotFound)
}

func TestStore_BiometricUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()

	c := &model.BiometricCredential{UserID: "u1", DeviceID: "d1", Token: "t1", IsActive: true}
	require.NoError(t, s.SaveCredential(ctx, c))
	id := c.ID

	again := &model.BiometricCredential{UserID: "u1", DeviceID: "d1", Token: "t2", IsActive: true}
	require.NoError(t, s.SaveCredential(ctx, again))
	assert.Equal(t, id, again.ID)

	list, err := s.ListCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t2", list[0].Token)
}

func TestStore_AppsAndLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()

	app := &model.App{Name: "Bank", APIKey: "key"}
	require.NoError(t, s.CreateApp(ctx, app))
	assert.ErrorIs(t, s.CreateApp(ctx, &model.App{APIKey: "key"}), model.ErrAlreadyExists)

	got, err := s.GetAppByAPIKey(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, app.ID, got.ID)

	require.NoError(t, s.CreateAccessLog(ctx, &model.AccessLog{Action: model.ActionPINSet}))
	logs := s.AccessLogs()
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].ID)
	assert.False(t, logs[0].CreatedAt.IsZero())
}

func TestStore_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.CreateUser(ctx, &model.User{PhoneNumber: "09120000000"})
		}()
	}
	wg.Wait()

	_, err := s.GetUserByPhone(ctx, "09120000000")
	require.NoError(t, err)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStateStore_Codes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := memory.NewStateStore(memory.WithSweepInterval(0), memory.WithStateClock(clk.Now))
	defer s.Close()

	code := model.PendingCode{Code: "12345", ExpiresAt: clk.Now().Add(5 * time.Minute)}
	require.NoError(t, s.SaveCode(ctx, "09120000000", code, 10*time.Minute))

	got, err := s.GetCode(ctx, "09120000000")
	require.NoError(t, err)
	assert.Equal(t, "12345", got.Code)

	clk.Advance(11 * time.Minute)
	_, err = s.GetCode(ctx, "09120000000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStateStore_TokensSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := memory.NewStateStore(memory.WithSweepInterval(0), memory.WithStateClock(clk.Now))
	defer s.Close()

	require.NoError(t, s.SaveVerificationToken(ctx, "tok", "09120000000", 30*time.Minute))

	phone, err := s.ConsumeVerificationToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "09120000000", phone)

	_, err = s.ConsumeVerificationToken(ctx, "tok")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.SaveVerificationToken(ctx, "late", "09120000000", 30*time.Minute))
	clk.Advance(31 * time.Minute)
	_, err = s.ConsumeVerificationToken(ctx, "late")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStateStore_RemoveExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := memory.NewStateStore(memory.WithSweepInterval(0), memory.WithStateClock(clk.Now))
	defer s.Close()

	require.NoError(t, s.SaveCode(ctx, "a", model.PendingCode{Code: "11111"}, time.Minute))
	require.NoError(t, s.SaveCode(ctx, "b", model.PendingCode{Code: "22222"}, time.Hour))
	require.NoError(t, s.SaveVerificationToken(ctx, "t", "a", time.Minute))

	clk.Advance(2 * time.Minute)
	s.RemoveExpired()

	codes, tokens := s.Len()
	assert.Equal(t, 1, codes)
	assert.Equal(t, 0, tokens)
}
