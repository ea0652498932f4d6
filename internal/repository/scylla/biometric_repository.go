package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mfa-service/internal/model"
)

type BiometricRepository struct {
	client *ScyllaClient
}

func NewBiometricRepository(client *ScyllaClient) *BiometricRepository {
	return &BiometricRepository{client: client}
}

func (r *BiometricRepository) GetCredential(ctx context.Context, userID, deviceID string) (*model.BiometricCredential, error) {
	var c model.BiometricCredential
	err := r.client.query(ctx, statements.GetCredential, userID, deviceID).Scan(
		&c.ID, &c.UserID, &c.DeviceID, &c.Token, &c.DeviceType, &c.DeviceName,
		&c.IsActive, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "biometric credential")
	}
	return &c, nil
}

func (r *BiometricRepository) ListCredentials(ctx context.Context, userID string) ([]*model.BiometricCredential, error) {
	iter := r.client.query(ctx, statements.ListCredentials, userID).Iter()

	var out []*model.BiometricCredential
	for {
		var c model.BiometricCredential
		if !iter.Scan(&c.ID, &c.UserID, &c.DeviceID, &c.Token, &c.DeviceType, &c.DeviceName,
			&c.IsActive, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt) {
			break
		}
		out = append(out, &c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list biometric credentials: %w", err)
	}
	return out, nil
}

// SaveCredential upserts on (UserID, DeviceID), keeping the original ID and
// creation time of an existing row.
func (r *BiometricRepository) SaveCredential(ctx context.Context, cred *model.BiometricCredential) error {
	now := cqlTime(time.Now())
	existing, err := r.GetCredential(ctx, cred.UserID, cred.DeviceID)
	switch {
	case err == nil:
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	case errors.Is(err, model.ErrNotFound):
		if cred.ID == "" {
			cred.ID = uuid.New().String()
		}
		cred.CreatedAt = now
	default:
		return err
	}
	cred.UpdatedAt = now

	err = r.client.query(ctx, statements.SaveCredential,
		cred.UserID, cred.DeviceID, cred.ID, cred.Token, cred.DeviceType, cred.DeviceName,
		cred.IsActive, cqlTime(cred.LastUsedAt), cred.CreatedAt, cred.UpdatedAt).Exec()
	if err != nil {
		return fmt.Errorf("failed to save biometric credential: %w", err)
	}
	return nil
}
