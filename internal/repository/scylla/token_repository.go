package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"mfa-service/internal/model"
)

// TokenRepository keeps OTP tokens clustered per user, newest first, with a
// by-id lookup table written in the same logged batch.
type TokenRepository struct {
	client *ScyllaClient
}

func NewTokenRepository(client *ScyllaClient) *TokenRepository {
	return &TokenRepository{client: client}
}

func (r *TokenRepository) CreateToken(ctx context.Context, token *model.OTPToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	token.CreatedAt = cqlTime(token.CreatedAt)

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(statements.CreateToken,
		token.UserID, token.CreatedAt, token.ID, token.AppID, token.EncryptedSecret,
		token.IsVerified, cqlTime(token.LastUsedAt))
	batch.Query(statements.CreateTokenByID, token.ID, token.UserID, token.CreatedAt)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

func (r *TokenRepository) GetToken(ctx context.Context, id string) (*model.OTPToken, error) {
	var userID string
	var createdAt time.Time
	if err := r.client.query(ctx, statements.GetTokenRef, id).Scan(&userID, &createdAt); err != nil {
		return nil, notFound(err, "token %s", id)
	}

	var t model.OTPToken
	err := r.client.query(ctx, statements.GetToken, userID, createdAt, id).Scan(
		&t.ID, &t.UserID, &t.AppID, &t.EncryptedSecret, &t.IsVerified, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err, "token %s", id)
	}
	return &t, nil
}

func (r *TokenRepository) ListTokensByUser(ctx context.Context, userID string) ([]*model.OTPToken, error) {
	iter := r.client.query(ctx, statements.ListTokens, userID).Iter()

	var out []*model.OTPToken
	for {
		var t model.OTPToken
		if !iter.Scan(&t.ID, &t.UserID, &t.AppID, &t.EncryptedSecret, &t.IsVerified, &t.LastUsedAt, &t.CreatedAt) {
			break
		}
		out = append(out, &t)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return out, nil
}

func (r *TokenRepository) UpdateToken(ctx context.Context, token *model.OTPToken) error {
	existing, err := r.GetToken(ctx, token.ID)
	if err != nil {
		return err
	}
	err = r.client.query(ctx, statements.UpdateToken,
		token.AppID, token.EncryptedSecret, token.IsVerified, cqlTime(token.LastUsedAt),
		existing.UserID, existing.CreatedAt, existing.ID).Exec()
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

func (r *TokenRepository) DeleteToken(ctx context.Context, token *model.OTPToken) error {
	existing, err := r.GetToken(ctx, token.ID)
	if err != nil {
		return err
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(statements.DeleteToken, existing.UserID, existing.CreatedAt, existing.ID)
	batch.Query(statements.DeleteTokenByID, existing.ID)
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// -------------------- history --------------------

func (r *TokenRepository) CreateHistory(ctx context.Context, entry *model.OTPTokenHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.DeletedAt.IsZero() {
		entry.DeletedAt = time.Now()
	}
	entry.DeletedAt = cqlTime(entry.DeletedAt)

	err := r.client.query(ctx, statements.CreateHistory,
		entry.UserID, entry.DeletedAt, entry.ID, entry.AppID, entry.AppNameAtDeletion,
		cqlTime(entry.CreatedAtOriginal), cqlTime(entry.LastUsedAt)).Exec()
	if err != nil {
		return fmt.Errorf("failed to archive token: %w", err)
	}
	return nil
}

func (r *TokenRepository) ListHistoryByUser(ctx context.Context, userID string) ([]*model.OTPTokenHistory, error) {
	iter := r.client.query(ctx, statements.ListHistory, userID).Iter()

	var out []*model.OTPTokenHistory
	for {
		var h model.OTPTokenHistory
		if !iter.Scan(&h.ID, &h.UserID, &h.AppID, &h.AppNameAtDeletion, &h.CreatedAtOriginal, &h.LastUsedAt, &h.DeletedAt) {
			break
		}
		out = append(out, &h)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list token history: %w", err)
	}
	return out, nil
}
