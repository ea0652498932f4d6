package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"

	// CipherKeyLength is the exact byte length of the secret encryption key.
	CipherKeyLength = 32
)

var (
	ErrInvalidCipherKey    = errors.New("SECRET_ENCRYPTION_KEY must be exactly 32 bytes")
	ErrMissingAppSecret    = errors.New("APP_SECRET is required")
	ErrInvalidDriver       = errors.New("unsupported driver")
	ErrInvalidTrustedProxy = errors.New("invalid SERVER_TRUSTED_PROXIES entry")
)

var dotenvOnce sync.Once

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"mfa-service"`

	Server        ServerConfig        `envPrefix:"SERVER_"`
	Logging       LoggingConfig       `envPrefix:"LOG_"`
	Security      SecurityConfig
	KMS           KMSConfig           `envPrefix:"KMS_"`
	Store         StoreConfig         `envPrefix:"STORE_"`
	State         StateConfig         `envPrefix:"STATE_"`
	Limiter       LimiterConfig       `envPrefix:"LIMITER_"`
	Recovery      RecoveryConfig      `envPrefix:"RECOVERY_"`
	SMS           SMSConfig           `envPrefix:"SMS_"`
	Audit         AuditConfig         `envPrefix:"AUDIT_"`
	Bucketing     BucketingConfig     `envPrefix:"BUCKETING_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	Scylla        ScyllaConfig        `envPrefix:"SCYLLA_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Elasticsearch ElasticsearchConfig `envPrefix:"ELASTICSEARCH_"`
	Clickhouse    ClickhouseConfig    `envPrefix:"CLICKHOUSE_"`
}

type ServerConfig struct {
	Port           int           `env:"PORT" envDefault:"3000"`
	TLSPort        int           `env:"TLS_PORT" envDefault:"443"`
	EnableTLS      bool          `env:"ENABLE_TLS" envDefault:"false"`
	AutoCert       bool          `env:"AUTO_CERT" envDefault:"false"`
	Domain         string        `env:"DOMAIN" envDefault:"localhost"`
	CertFile       string        `env:"CERT_FILE"`
	KeyFile        string        `env:"KEY_FILE"`
	AutoCertDir    string        `env:"AUTO_CERT_DIR" envDefault:"./certs"`
	Email          string        `env:"EMAIL"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	// TrustedProxies lists the CIDRs or addresses whose forwarding headers
	// are believed. Empty means the socket address is always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// SecurityConfig holds the shared secrets and the artificial failure delays.
type SecurityConfig struct {
	SecretEncryptionKey string        `env:"SECRET_ENCRYPTION_KEY"`
	AppSecret           string        `env:"APP_SECRET"`
	SignatureMaxAge     time.Duration `env:"SIGNATURE_MAX_AGE" envDefault:"5m"`
	AuthFailureDelay    time.Duration `env:"AUTH_FAILURE_DELAY" envDefault:"2s"`
	PINFailureDelay     time.Duration `env:"PIN_FAILURE_DELAY" envDefault:"2s"`
	PINChangeDelay      time.Duration `env:"PIN_CHANGE_FAILURE_DELAY" envDefault:"1s"`
	BiometricDelay      time.Duration `env:"BIOMETRIC_FAILURE_DELAY" envDefault:"2s"`
	DefaultIssuer       string        `env:"DEFAULT_ISSUER" envDefault:"Ghofli"`
	LabelPrefix         string        `env:"TOTP_LABEL_PREFIX" envDefault:"قفلی"`
}

// KMSConfig enables unwrapping the cipher key from a KMS ciphertext blob.
type KMSConfig struct {
	Enabled            bool   `env:"ENABLED" envDefault:"false"`
	Region             string `env:"REGION" envDefault:"us-east-1"`
	KeyID              string `env:"KEY_ID"`
	EncryptedCipherKey string `env:"ENCRYPTED_CIPHER_KEY"`
}

type StoreConfig struct {
	Driver string `env:"DRIVER" envDefault:"memory"`
}

type StateConfig struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
}

type LimiterConfig struct {
	Shards             int           `env:"SHARDS" envDefault:"16"`
	MaxEntriesPerShard int           `env:"MAX_ENTRIES_PER_SHARD" envDefault:"10000"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	LockoutDuration    time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`
	PINThreshold       int           `env:"PIN_THRESHOLD" envDefault:"5"`
	BiometricThreshold int           `env:"BIOMETRIC_THRESHOLD" envDefault:"3"`
	AuthThreshold      int           `env:"AUTH_THRESHOLD" envDefault:"5"`
	AuthRouteLimit     int           `env:"AUTH_ROUTE_LIMIT" envDefault:"5"`
	AuthRouteWindow    time.Duration `env:"AUTH_ROUTE_WINDOW" envDefault:"15m"`
	PINRouteLimit      int           `env:"PIN_ROUTE_LIMIT" envDefault:"10"`
	PINRouteWindow     time.Duration `env:"PIN_ROUTE_WINDOW" envDefault:"15m"`
	ScanRouteLimit     int           `env:"SCAN_ROUTE_LIMIT" envDefault:"10"`
	ScanRouteWindow    time.Duration `env:"SCAN_ROUTE_WINDOW" envDefault:"5m"`
}

type RecoveryConfig struct {
	CodeTTL  time.Duration `env:"CODE_TTL" envDefault:"5m"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"30m"`
	EchoCode bool          `env:"ECHO_CODE" envDefault:"false"`
}

type SMSConfig struct {
	Driver      string        `env:"DRIVER" envDefault:"log"`
	GatewayURL  string        `env:"GATEWAY_URL" envDefault:"https://ippanel.com/api/select"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	From        string        `env:"FROM"`
	PatternCode string        `env:"PATTERN_CODE"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s"`
	Topic       string        `env:"TOPIC" envDefault:"mfa.sms"`
}

type AuditConfig struct {
	Sinks     []string      `env:"SINKS" envSeparator:","`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"5s"`
	Topic     string        `env:"TOPIC" envDefault:"mfa.access-logs"`
	QueueSize int           `env:"QUEUE_SIZE" envDefault:"1024"`
	Workers   int           `env:"WORKERS" envDefault:"2"`
}

type BucketingConfig struct {
	LogBuckets int `env:"LOG_BUCKETS" envDefault:"16"`
}

type RedisConfig struct {
	URL         string `env:"URL" envDefault:"redis://localhost:6379/0"`
	Password    string `env:"PASSWORD"`
	DB          int    `env:"DB" envDefault:"0"`
	PoolSize    int    `env:"POOL_SIZE" envDefault:"20"`
	TLSCAFile   string `env:"TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	TLSCertFile string `env:"TLS_CERT_FILE" envDefault:"/app/certs/redis.crt"`
	TLSKeyFile  string `env:"TLS_KEY_FILE" envDefault:"/app/certs/redis.key"`
}

type ScyllaConfig struct {
	Nodes       []string `env:"NODES" envDefault:"localhost:9042" envSeparator:","`
	Keyspace    string   `env:"KEYSPACE" envDefault:"mfa"`
	Username    string   `env:"USERNAME"`
	Password    string   `env:"PASSWORD"`
	AutoMigrate bool     `env:"AUTO_MIGRATE" envDefault:"false"`
	Replication int      `env:"REPLICATION_FACTOR" envDefault:"1"`
	CAPath      string   `env:"CA_PATH"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	TLS     bool     `env:"TLS" envDefault:"false"`
}

type ElasticsearchConfig struct {
	URL      string `env:"URL" envDefault:"http://localhost:9200"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Index    string `env:"INDEX" envDefault:"access-logs"`
}

type ClickhouseConfig struct {
	URL      string `env:"URL" envDefault:"localhost:9000"`
	Username string `env:"USERNAME" envDefault:"default"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"mfa"`
	Table    string `env:"TABLE" envDefault:"access_logs"`
	CAFile   string `env:"CA_FILE"`
}

// LoadConfig reads the process environment (and a .env file when present)
// and validates the result.
func LoadConfig() (*Config, error) {
	dotenvOnce.Do(func() {
		// a missing .env file is fine
		_ = godotenv.Load()
	})

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service must refuse to start with.
func (c *Config) Validate() error {
	if !c.KMS.Enabled || c.KMS.EncryptedCipherKey == "" {
		if len(c.Security.SecretEncryptionKey) != CipherKeyLength {
			return fmt.Errorf("%w: got %d", ErrInvalidCipherKey, len(c.Security.SecretEncryptionKey))
		}
	}
	if c.Security.AppSecret == "" {
		return ErrMissingAppSecret
	}
	if !oneOf(c.Store.Driver, "memory", "scylla") {
		return fmt.Errorf("%w: STORE_DRIVER=%q", ErrInvalidDriver, c.Store.Driver)
	}
	if !oneOf(c.State.Backend, "memory", "redis") {
		return fmt.Errorf("%w: STATE_BACKEND=%q", ErrInvalidDriver, c.State.Backend)
	}
	if !oneOf(c.SMS.Driver, "log", "gateway", "kafka") {
		return fmt.Errorf("%w: SMS_DRIVER=%q", ErrInvalidDriver, c.SMS.Driver)
	}
	if _, err := c.Server.TrustedProxyNets(); err != nil {
		return err
	}
	for _, sink := range c.Audit.Sinks {
		if !oneOf(sink, "kafka", "clickhouse", "elasticsearch") {
			return fmt.Errorf("%w: AUDIT_SINKS contains %q", ErrInvalidDriver, sink)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// TrustedProxyNets parses TrustedProxies. A bare address is a single-host network.
func (s ServerConfig) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidTrustedProxy, raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTrustedProxy, raw)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// HasAuditSink reports whether the named audit sink is enabled.
func (c *Config) HasAuditSink(name string) bool {
	return oneOf(name, c.Audit.Sinks...)
}

// UsesKafka reports whether any component needs a Kafka producer.
func (c *Config) UsesKafka() bool {
	return c.HasAuditSink("kafka") || c.SMS.Driver == "kafka"
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
