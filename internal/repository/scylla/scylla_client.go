package scylla

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"mfa-service/internal/config"
	"mfa-service/internal/util"
)

//go:embed schema.cql
var schema string

// Statements holds the CQL used by the repository. Queries are built per
// call from these strings; gocql caches the prepared form per session.
type Statements struct {
	CreateUser       string
	ClaimPhone       string
	GetUserByID      string
	GetUserIDByPhone string
	UpdateUser       string
	GetPINHash       string
	SetPIN           string

	ClaimAPIKey   string
	CreateApp     string
	GetAppByID    string
	GetAppIDByKey string

	CreateToken     string
	CreateTokenByID string
	GetTokenRef     string
	GetToken        string
	ListTokens      string
	UpdateToken     string
	DeleteToken     string
	DeleteTokenByID string

	CreateHistory string
	ListHistory   string

	GetCredential   string
	ListCredentials string
	SaveCredential  string

	CreateAccessLog string
}

var statements = Statements{
	CreateUser: `
        INSERT INTO users (user_id, phone_number, is_phone_verified, pin_hash, pin_enabled,
            pin_last_changed, verification_code, verification_expire, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	ClaimPhone: `INSERT INTO users_by_phone (phone_number, user_id) VALUES (?, ?) IF NOT EXISTS`,
	GetUserByID: `
        SELECT user_id, phone_number, is_phone_verified, pin_enabled, pin_last_changed,
            verification_code, verification_expire, created_at, updated_at
        FROM users WHERE user_id = ?`,
	GetUserIDByPhone: `SELECT user_id FROM users_by_phone WHERE phone_number = ?`,
	UpdateUser: `
        UPDATE users SET is_phone_verified = ?, verification_code = ?, verification_expire = ?, updated_at = ?
        WHERE user_id = ?`,
	GetPINHash: `SELECT pin_hash FROM users WHERE user_id = ?`,
	SetPIN: `
        UPDATE users SET pin_hash = ?, pin_enabled = ?, pin_last_changed = ?, updated_at = ?
        WHERE user_id = ?`,

	ClaimAPIKey:   `INSERT INTO apps_by_api_key (api_key, app_id) VALUES (?, ?) IF NOT EXISTS`,
	CreateApp:     `INSERT INTO apps (app_id, name, issuer, slug, api_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	GetAppByID:    `SELECT app_id, name, issuer, slug, api_key, created_at FROM apps WHERE app_id = ?`,
	GetAppIDByKey: `SELECT app_id FROM apps_by_api_key WHERE api_key = ?`,

	CreateToken: `
        INSERT INTO otp_tokens (user_id, created_at, token_id, app_id, encrypted_secret, is_verified, last_used_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
	CreateTokenByID: `INSERT INTO otp_tokens_by_id (token_id, user_id, created_at) VALUES (?, ?, ?)`,
	GetTokenRef:     `SELECT user_id, created_at FROM otp_tokens_by_id WHERE token_id = ?`,
	GetToken: `
        SELECT token_id, user_id, app_id, encrypted_secret, is_verified, last_used_at, created_at
        FROM otp_tokens WHERE user_id = ? AND created_at = ? AND token_id = ?`,
	ListTokens: `
        SELECT token_id, user_id, app_id, encrypted_secret, is_verified, last_used_at, created_at
        FROM otp_tokens WHERE user_id = ?`,
	UpdateToken: `
        UPDATE otp_tokens SET app_id = ?, encrypted_secret = ?, is_verified = ?, last_used_at = ?
        WHERE user_id = ? AND created_at = ? AND token_id = ?`,
	DeleteToken:     `DELETE FROM otp_tokens WHERE user_id = ? AND created_at = ? AND token_id = ?`,
	DeleteTokenByID: `DELETE FROM otp_tokens_by_id WHERE token_id = ?`,

	CreateHistory: `
        INSERT INTO otp_token_history (user_id, deleted_at, history_id, app_id, app_name_at_deletion,
            created_at_original, last_used_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
	ListHistory: `
        SELECT history_id, user_id, app_id, app_name_at_deletion, created_at_original, last_used_at, deleted_at
        FROM otp_token_history WHERE user_id = ?`,

	GetCredential: `
        SELECT credential_id, user_id, device_id, token, device_type, device_name, is_active,
            last_used_at, created_at, updated_at
        FROM biometric_credentials WHERE user_id = ? AND device_id = ?`,
	ListCredentials: `
        SELECT credential_id, user_id, device_id, token, device_type, device_name, is_active,
            last_used_at, created_at, updated_at
        FROM biometric_credentials WHERE user_id = ?`,
	SaveCredential: `
        INSERT INTO biometric_credentials (user_id, device_id, credential_id, token, device_type, device_name,
            is_active, last_used_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

	CreateAccessLog: `
        INSERT INTO access_logs (log_bucket, day, created_at, log_id, action, user_id, token_id,
            phone_number, ip_address, user_agent, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
}

func newCluster(cfg config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 cfg.CAPath,
			EnableHostVerification: true,
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster
}

// NewScyllaClient connects to the keyspace, creating it and the schema first
// when auto-migration is enabled.
func NewScyllaClient(ctx context.Context, cfg config.ScyllaConfig) (*ScyllaClient, error) {
	if cfg.AutoMigrate {
		if err := ensureKeyspace(ctx, cfg); err != nil {
			return nil, err
		}
	}

	session, err := newCluster(cfg).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}
	client := &ScyllaClient{Session: session, config: cfg}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx); err != nil {
			session.Close()
			return nil, err
		}
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))
	return client, nil
}

func ensureKeyspace(ctx context.Context, cfg config.ScyllaConfig) error {
	cluster := newCluster(cfg)
	cluster.Keyspace = ""
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("failed to create scylla session: %w", err)
	}
	defer session.Close()

	rf := cfg.Replication
	if rf <= 0 {
		rf = 1
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		cfg.Keyspace, rf)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}

// Migrate applies schema.cql. Every statement is idempotent.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(schema) {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema applied", zap.String("keyspace", s.config.Keyspace))
	return nil
}

// schemaStatements splits a CQL script on semicolons and drops comment lines.
func schemaStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return out
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
