package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mfa-service/internal/client"
	"mfa-service/internal/model"
	"mfa-service/internal/util"
)

const (
	recoveryCodePrefix      = "recovery_code:"
	verificationTokenPrefix = "verification_token:"
)

// RecoveryStore keeps pending recovery codes and single-use verification tokens.
type RecoveryStore struct {
	client *client.RedisClient
}

var (
	_ model.CodeStore              = (*RecoveryStore)(nil)
	_ model.VerificationTokenStore = (*RecoveryStore)(nil)
)

func NewRecoveryStore(client *client.RedisClient) *RecoveryStore {
	return &RecoveryStore{client: client}
}

func (s *RecoveryStore) SaveCode(ctx context.Context, phoneNumber string, code model.PendingCode, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to encode recovery code: %w", err)
	}
	if err := s.client.Set(ctx, recoveryCodePrefix+phoneNumber, payload, ttl); err != nil {
		util.Error("Failed to store recovery code", util.Phone(phoneNumber), zap.Error(err))
		return fmt.Errorf("failed to store recovery code: %w", err)
	}
	return nil
}

func (s *RecoveryStore) GetCode(ctx context.Context, phoneNumber string) (*model.PendingCode, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, recoveryCodePrefix+phoneNumber)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: pending code", model.ErrNotFound)
		}
		util.Error("Failed to read recovery code", util.Phone(phoneNumber), zap.Error(err))
		return nil, fmt.Errorf("failed to read recovery code: %w", err)
	}

	var code model.PendingCode
	if err := json.Unmarshal([]byte(raw), &code); err != nil {
		return nil, fmt.Errorf("failed to decode recovery code: %w", err)
	}
	return &code, nil
}

func (s *RecoveryStore) DeleteCode(ctx context.Context, phoneNumber string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, recoveryCodePrefix+phoneNumber); err != nil {
		return fmt.Errorf("failed to delete recovery code: %w", err)
	}
	return nil
}

func (s *RecoveryStore) SaveVerificationToken(ctx context.Context, token, phoneNumber string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, verificationTokenPrefix+token, phoneNumber, ttl); err != nil {
		util.Error("Failed to store verification token", util.Phone(phoneNumber), zap.Error(err))
		return fmt.Errorf("failed to store verification token: %w", err)
	}
	return nil
}

// ConsumeVerificationToken returns the phone number bound to token and deletes it in the same command.
func (s *RecoveryStore) ConsumeVerificationToken(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	phone, err := s.client.GetDel(ctx, verificationTokenPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: verification token", model.ErrNotFound)
		}
		return "", fmt.Errorf("failed to consume verification token: %w", err)
	}
	return phone, nil
}
