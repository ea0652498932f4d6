package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfa-service/internal/model"
	"mfa-service/internal/util"
)

// UserRepository stores users and apps. Uniqueness of phone numbers and API
// keys is enforced with lightweight transactions on the lookup tables.
type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

// cqlTime truncates to the millisecond precision of a CQL timestamp.
func cqlTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

func (r *UserRepository) CreateUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := cqlTime(time.Now())
	user.CreatedAt = now
	user.UpdatedAt = now

	var existingPhone, existingID string
	applied, err := r.client.query(ctx, statements.ClaimPhone, user.PhoneNumber, user.ID).
		ScanCAS(&existingPhone, &existingID)
	if err != nil {
		return fmt.Errorf("failed to claim phone number: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: phone %s", model.ErrAlreadyExists, user.PhoneNumber)
	}

	err = r.client.query(ctx, statements.CreateUser,
		user.ID, user.PhoneNumber, user.IsPhoneVerified, "", user.PINEnabled,
		cqlTime(user.PINLastChanged), user.VerificationCode, cqlTime(user.VerificationExpire),
		user.CreatedAt, user.UpdatedAt).Exec()
	if err != nil {
		// release the phone so a retry can claim it again
		if relErr := r.client.query(ctx, `DELETE FROM users_by_phone WHERE phone_number = ?`, user.PhoneNumber).Exec(); relErr != nil {
			util.Warn("Failed to release phone claim", zap.String("user_id", user.ID), zap.Error(relErr))
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Debug("User created", zap.String("user_id", user.ID))
	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.client.query(ctx, statements.GetUserByID, id).Scan(
		&u.ID, &u.PhoneNumber, &u.IsPhoneVerified, &u.PINEnabled, &u.PINLastChanged,
		&u.VerificationCode, &u.VerificationExpire, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "user %s", id)
	}
	return &u, nil
}

func (r *UserRepository) GetUserByPhone(ctx context.Context, phoneNumber string) (*model.User, error) {
	var id string
	if err := r.client.query(ctx, statements.GetUserIDByPhone, phoneNumber).Scan(&id); err != nil {
		return nil, notFound(err, "phone %s", phoneNumber)
	}
	return r.GetUserByID(ctx, id)
}

func (r *UserRepository) UpdateUser(ctx context.Context, user *model.User) error {
	if _, err := r.GetUserByID(ctx, user.ID); err != nil {
		return err
	}
	user.UpdatedAt = cqlTime(time.Now())
	err := r.client.query(ctx, statements.UpdateUser,
		user.IsPhoneVerified, user.VerificationCode, cqlTime(user.VerificationExpire),
		user.UpdatedAt, user.ID).Exec()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetPINHash(ctx context.Context, userID string) (string, error) {
	var hash string
	if err := r.client.query(ctx, statements.GetPINHash, userID).Scan(&hash); err != nil {
		return "", notFound(err, "user %s", userID)
	}
	return hash, nil
}

func (r *UserRepository) SetPIN(ctx context.Context, userID, pinHash string, enabled bool, changedAt time.Time) error {
	if _, err := r.GetUserByID(ctx, userID); err != nil {
		return err
	}
	err := r.client.query(ctx, statements.SetPIN,
		pinHash, enabled, cqlTime(changedAt), cqlTime(time.Now()), userID).Exec()
	if err != nil {
		return fmt.Errorf("failed to set pin: %w", err)
	}
	return nil
}

// -------------------- apps --------------------

func (r *UserRepository) CreateApp(ctx context.Context, app *model.App) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.CreatedAt = cqlTime(time.Now())

	var existingKey, existingID string
	applied, err := r.client.query(ctx, statements.ClaimAPIKey, app.APIKey, app.ID).
		ScanCAS(&existingKey, &existingID)
	if err != nil {
		return fmt.Errorf("failed to claim api key: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: api key", model.ErrAlreadyExists)
	}

	err = r.client.query(ctx, statements.CreateApp,
		app.ID, app.Name, app.Issuer, app.Slug, app.APIKey, app.CreatedAt).Exec()
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	return nil
}

func (r *UserRepository) GetAppByID(ctx context.Context, id string) (*model.App, error) {
	var a model.App
	err := r.client.query(ctx, statements.GetAppByID, id).Scan(
		&a.ID, &a.Name, &a.Issuer, &a.Slug, &a.APIKey, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "app %s", id)
	}
	return &a, nil
}

func (r *UserRepository) GetAppByAPIKey(ctx context.Context, apiKey string) (*model.App, error) {
	var id string
	if err := r.client.query(ctx, statements.GetAppIDByKey, apiKey).Scan(&id); err != nil {
		return nil, notFound(err, "api key")
	}
	return r.GetAppByID(ctx, id)
}
