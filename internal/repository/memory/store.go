// Package memory implements the credential store and the short-lived state
// stores in process memory. It backs single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mfa-service/internal/model"
)

type userRecord struct {
	user    model.User
	pinHash string
}

// Store is a mutex-guarded credential store.
type Store struct {
	mu sync.RWMutex

	users       map[string]*userRecord // id -> record
	phoneIndex  map[string]string      // phone -> user id
	apps        map[string]model.App
	apiKeyIndex map[string]string
	tokens      map[string]model.OTPToken
	tokenSeq    map[string]uint64
	seq         uint64
	history     []model.OTPTokenHistory
	biometrics  map[string]model.BiometricCredential // userID/deviceID -> credential
	accessLogs  []model.AccessLog

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:       make(map[string]*userRecord),
		phoneIndex:  make(map[string]string),
		apps:        make(map[string]model.App),
		apiKeyIndex: make(map[string]string),
		tokens:      make(map[string]model.OTPToken),
		tokenSeq:    make(map[string]uint64),
		biometrics:  make(map[string]model.BiometricCredential),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() model.Repositories {
	return model.Repositories{
		Users:      s,
		Apps:       s,
		Tokens:     s,
		History:    s,
		Biometrics: s,
		AccessLogs: s,
	}
}

// -------------------- users --------------------

func (s *Store) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.phoneIndex[user.PhoneNumber]; ok {
		return fmt.Errorf("%w: phone %s", model.ErrAlreadyExists, user.PhoneNumber)
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	s.users[user.ID] = &userRecord{user: *user}
	s.phoneIndex[user.PhoneNumber] = user.ID
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	u := rec.user
	return &u, nil
}

func (s *Store) GetUserByPhone(ctx context.Context, phoneNumber string) (*model.User, error) {
	s.mu.RLock()
	id, ok := s.phoneIndex[phoneNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: phone %s", model.ErrNotFound, phoneNumber)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) UpdateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: user %s", model.ErrNotFound, user.ID)
	}
	rec.user.IsPhoneVerified = user.IsPhoneVerified
	rec.user.VerificationCode = user.VerificationCode
	rec.user.VerificationExpire = user.VerificationExpire
	rec.user.UpdatedAt = s.now()
	user.UpdatedAt = rec.user.UpdatedAt
	return nil
}

func (s *Store) GetPINHash(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[userID]
	if !ok {
		return "", fmt.Errorf("%w: user %s", model.ErrNotFound, userID)
	}
	return rec.pinHash, nil
}

func (s *Store) SetPIN(_ context.Context, userID, pinHash string, enabled bool, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", model.ErrNotFound, userID)
	}
	rec.pinHash = pinHash
	rec.user.PINEnabled = enabled
	rec.user.PINLastChanged = changedAt
	rec.user.UpdatedAt = s.now()
	return nil
}

// -------------------- apps --------------------

func (s *Store) CreateApp(_ context.Context, app *model.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiKeyIndex[app.APIKey]; ok {
		return fmt.Errorf("%w: api key", model.ErrAlreadyExists)
	}
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.CreatedAt = s.now()
	s.apps[app.ID] = *app
	s.apiKeyIndex[app.APIKey] = app.ID
	return nil
}

func (s *Store) GetAppByID(_ context.Context, id string) (*model.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, fmt.Errorf("%w: app %s", model.ErrNotFound, id)
	}
	return &app, nil
}

func (s *Store) GetAppByAPIKey(ctx context.Context, apiKey string) (*model.App, error) {
	s.mu.RLock()
	id, ok := s.apiKeyIndex[apiKey]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: api key", model.ErrNotFound)
	}
	return s.GetAppByID(ctx, id)
}

// -------------------- tokens --------------------

func (s *Store) CreateToken(_ context.Context, token *model.OTPToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = s.now()
	}
	s.seq++
	s.tokens[token.ID] = *token
	s.tokenSeq[token.ID] = s.seq
	return nil
}

func (s *Store) GetToken(_ context.Context, id string) (*model.OTPToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: token %s", model.ErrNotFound, id)
	}
	return &t, nil
}

func (s *Store) ListTokensByUser(_ context.Context, userID string) ([]*model.OTPToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.OTPToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.tokenSeq[out[i].ID] > s.tokenSeq[out[j].ID]
	})
	return out, nil
}

func (s *Store) UpdateToken(_ context.Context, token *model.OTPToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.ID]; !ok {
		return fmt.Errorf("%w: token %s", model.ErrNotFound, token.ID)
	}
	s.tokens[token.ID] = *token
	return nil
}

func (s *Store) DeleteToken(_ context.Context, token *model.OTPToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.ID]; !ok {
		return fmt.Errorf("%w: token %s", model.ErrNotFound, token.ID)
	}
	delete(s.tokens, token.ID)
	delete(s.tokenSeq, token.ID)
	return nil
}

// -------------------- history --------------------

func (s *Store) CreateHistory(_ context.Context, entry *model.OTPTokenHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	s.history = append(s.history, *entry)
	return nil
}

func (s *Store) ListHistoryByUser(_ context.Context, userID string) ([]*model.OTPTokenHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.OTPTokenHistory
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID == userID {
			h := s.history[i]
			out = append(out, &h)
		}
	}
	return out, nil
}

// -------------------- biometrics --------------------

func biometricKey(userID, deviceID string) string {
	return userID + "/" + deviceID
}

func (s *Store) GetCredential(_ context.Context, userID, deviceID string) (*model.BiometricCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.biometrics[biometricKey(userID, deviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: biometric credential", model.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) ListCredentials(_ context.Context, userID string) ([]*model.BiometricCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.BiometricCredential
	for _, c := range s.biometrics {
		if c.UserID == userID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SaveCredential(_ context.Context, cred *model.BiometricCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := biometricKey(cred.UserID, cred.DeviceID)
	now := s.now()
	if existing, ok := s.biometrics[key]; ok {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	} else {
		if cred.ID == "" {
			cred.ID = uuid.New().String()
		}
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	s.biometrics[key] = *cred
	return nil
}

// -------------------- access logs --------------------

func (s *Store) CreateAccessLog(_ context.Context, entry *model.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.accessLogs = append(s.accessLogs, *entry)
	return nil
}

// AccessLogs returns a copy of the recorded entries, oldest first.
func (s *Store) AccessLogs() []model.AccessLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AccessLog(nil), s.accessLogs...)
}
