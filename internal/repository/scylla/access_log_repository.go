package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mfa-service/internal/bucketing"
	"mfa-service/internal/model"
)

// AccessLogRepository spreads audit rows over (log bucket, day) partitions so
// no single partition grows without bound.
type AccessLogRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewAccessLogRepository(client *ScyllaClient, buckets *bucketing.Manager) *AccessLogRepository {
	return &AccessLogRepository{client: client, buckets: buckets}
}

func (r *AccessLogRepository) CreateAccessLog(ctx context.Context, entry *model.AccessLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = cqlTime(entry.CreatedAt)

	// anonymous entries all hash to the bucket of the empty phone number
	at := r.buckets.Assign(entry.PhoneNumber, entry.CreatedAt)
	err := r.client.query(ctx, statements.CreateAccessLog,
		at.LogBucket, at.DateBucket, entry.CreatedAt, entry.ID, string(entry.Action),
		entry.UserID, entry.TokenID, entry.PhoneNumber, entry.IPAddress, entry.UserAgent,
		entry.Metadata).Exec()
	if err != nil {
		return fmt.Errorf("failed to write access log: %w", err)
	}
	return nil
}

// NewRepositories wires every repository onto one session.
func NewRepositories(client *ScyllaClient, buckets *bucketing.Manager) model.Repositories {
	users := NewUserRepository(client)
	tokens := NewTokenRepository(client)
	return model.Repositories{
		Users:      users,
		Apps:       users,
		Tokens:     tokens,
		History:    tokens,
		Biometrics: NewBiometricRepository(client),
		AccessLogs: NewAccessLogRepository(client, buckets),
	}
}
