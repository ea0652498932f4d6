package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mfa-service/internal/audit"
	"mfa-service/internal/bucketing"
	"mfa-service/internal/client"
	"mfa-service/internal/config"
	"mfa-service/internal/encryption"
	"mfa-service/internal/handler"
	"mfa-service/internal/hashing"
	"mfa-service/internal/model"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/repository/memory"
	redisrepo "mfa-service/internal/repository/redis"
	"mfa-service/internal/repository/scylla"
	"mfa-service/internal/service"
	"mfa-service/internal/signature"
	"mfa-service/internal/sms"
	"mfa-service/internal/tls"
	"mfa-service/internal/totp"
	"mfa-service/internal/util"
)

// limiterStore is what the lockouts and the route windows share.
type limiterStore interface {
	ratelimit.Store
	ratelimit.Counter
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// In-process stores, set when the matching backend is "memory"
	memoryStore   *memory.Store
	stateStore    *memory.StateStore
	memoryLimiter *ratelimit.MemoryStore

	// Managers
	buckets  *bucketing.Manager
	cipher   *encryption.SecretCipher
	hasher   *hashing.PINHasher
	recorder *audit.Recorder

	repos    model.Repositories
	codes    model.CodeStore
	tokens   model.VerificationTokenStore
	limiter  limiterStore
	sender   sms.Sender
	lockouts service.Lockouts
	windows  handler.RouteLimiters

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	steps := []func(context.Context) error{
		factory.initializeClients,
		factory.initializeManagers,
		factory.initializeStores,
		factory.initializeLimiters,
		factory.initializeDelivery,
	}
	for _, step := range steps {
		if err := step(initCtx); err != nil {
			factory.Close()
			return nil, err
		}
	}

	factory.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Repos:    factory.repos,
		Codes:    factory.codes,
		Tokens:   factory.tokens,
		Cipher:   factory.cipher,
		TOTP:     totp.NewEngine(),
		Signer:   signature.NewSigner(cfg.Security.AppSecret, signature.WithMaxAge(cfg.Security.SignatureMaxAge)),
		Hasher:   factory.hasher,
		Audit:    factory.recorder,
		SMS:      factory.sender,
		Lockouts: factory.lockouts,
		Settings: service.SettingsFromConfig(cfg),
	})

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_driver", cfg.Store.Driver),
		util.String("state_backend", cfg.State.Backend),
		util.String("sms_driver", cfg.SMS.Driver),
		util.Any("audit_sinks", factory.recorder.Sinks()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients connects to the external services the configuration asks
// for. Stores the service cannot run without are fatal; an audit sink that
// fails is skipped outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	if cfg.Store.Driver == "scylla" {
		c, err := scylla.NewScyllaClient(ctx, cfg.Scylla)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
	}

	if cfg.State.Backend == "redis" {
		c, err := client.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
	}

	var optional []error

	if cfg.UsesKafka() {
		producer, err := client.NewKafkaProducer(cfg)
		switch {
		case err == nil:
			f.kafkaProducer = producer
		case cfg.SMS.Driver == "kafka":
			return fmt.Errorf("kafka: %w", err)
		default:
			optional = append(optional, fmt.Errorf("kafka: %w", err))
		}
	}

	if cfg.HasAuditSink("elasticsearch") {
		c, err := client.NewElasticsearchClient(cfg)
		if err == nil {
			err = c.HealthCheck(ctx)
		}
		if err != nil {
			optional = append(optional, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.HasAuditSink("clickhouse") {
		c, err := client.NewClickHouseClient(cfg)
		if err == nil {
			if err = c.HealthCheck(ctx); err != nil {
				_ = c.Close()
			}
		}
		if err != nil {
			optional = append(optional, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(optional) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", optional)
		}
		for _, err := range optional {
			util.Warn("Service initialization warning - sink disabled", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers resolves the cipher key and builds the stateless helpers.
func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	var kmsClient encryption.KMSDecrypter
	if cfg.KMS.Enabled && cfg.KMS.EncryptedCipherKey != "" {
		c, err := encryption.NewKMSClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsClient = c
	}

	key, err := encryption.ResolveKey(ctx, cfg, kmsClient)
	if err != nil {
		return err
	}
	f.cipher, err = encryption.NewSecretCipher(key)
	if err != nil {
		return err
	}

	f.hasher = hashing.NewPINHasher(hashing.DefaultCost)
	f.buckets = bucketing.NewManager(cfg.Bucketing.LogBuckets)
	return nil
}

func (f *Factory) initializeStores(_ context.Context) error {
	cfg := f.config

	if f.scyllaClient != nil {
		f.repos = scylla.NewRepositories(f.scyllaClient, f.buckets)
	} else {
		f.memoryStore = memory.NewStore()
		f.repos = f.memoryStore.Repositories()
		util.Warn("Using in-memory credential store - data is lost on restart")
	}

	if f.redisClient != nil {
		recovery := redisrepo.NewRecoveryStore(f.redisClient)
		f.codes = recovery
		f.tokens = recovery
	} else {
		f.stateStore = memory.NewStateStore()
		f.codes = f.stateStore
		f.tokens = f.stateStore
	}

	var sinks []audit.Sink
	if f.kafkaProducer != nil && cfg.HasAuditSink("kafka") {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, cfg.Audit.Topic))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.Index))
	}
	f.recorder = audit.NewRecorder(f.repos.AccessLogs,
		audit.WithSinks(sinks...),
		audit.WithTimeout(cfg.Audit.Timeout),
		audit.WithQueue(cfg.Audit.QueueSize, cfg.Audit.Workers))
	return nil
}

func (f *Factory) initializeLimiters(_ context.Context) error {
	lc := f.config.Limiter

	if f.redisClient != nil {
		f.limiter = redisrepo.NewLockoutStore(f.redisClient)
	} else {
		f.memoryLimiter = ratelimit.NewMemoryStore(f.buckets,
			ratelimit.WithShards(lc.Shards),
			ratelimit.WithMaxEntriesPerShard(lc.MaxEntriesPerShard),
			ratelimit.WithSweepInterval(lc.SweepInterval))
		f.limiter = f.memoryLimiter
	}

	f.lockouts = service.Lockouts{
		PIN:       ratelimit.NewLockout("pin", f.limiter, lc.PINThreshold, lc.LockoutDuration),
		Biometric: ratelimit.NewLockout("biometric", f.limiter, lc.BiometricThreshold, lc.LockoutDuration),
		Recovery:  ratelimit.NewLockout("recovery", f.limiter, lc.AuthThreshold, lc.LockoutDuration),
	}
	f.windows = handler.RouteLimiters{
		Auth: ratelimit.NewWindow("auth", f.limiter, lc.AuthRouteLimit, lc.AuthRouteWindow),
		PIN:  ratelimit.NewWindow("pin", f.limiter, lc.PINRouteLimit, lc.PINRouteWindow),
		Scan: ratelimit.NewWindow("scan", f.limiter, lc.ScanRouteLimit, lc.ScanRouteWindow),
	}

	util.Info("Lockouts configured",
		util.Int("pin_threshold", f.lockouts.PIN.Threshold()),
		util.Int("biometric_threshold", f.lockouts.Biometric.Threshold()),
		util.Int("recovery_threshold", f.lockouts.Recovery.Threshold()),
		util.Duration("lock_duration", f.lockouts.PIN.LockDuration()))
	return nil
}

func (f *Factory) initializeDelivery(_ context.Context) error {
	switch f.config.SMS.Driver {
	case "gateway":
		f.sender = sms.NewGatewaySender(f.config.SMS, nil)
	case "kafka":
		f.sender = sms.NewKafkaSender(f.kafkaProducer, f.config.SMS.Topic)
	default:
		if f.config.IsProduction() {
			util.Warn("SMS driver is 'log' in production - recovery codes are not delivered")
		}
		f.sender = sms.NewLogSender()
	}
	return nil
}

// ==============================
// Health Checks
// ==============================

// HealthCheck pings every connected backend concurrently. A missing key means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := make(map[string]func(context.Context) error)
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			if err := check(gctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			// never cancel the siblings, each check reports on its own
			return nil
		})
	}
	_ = g.Wait()

	if f.serviceFactory == nil {
		healthErrors["services"] = fmt.Errorf("service factory not initialized")
	}
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return len(f.HealthCheck(ctx)) == 0
}

func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// drain queued audit deliveries while the sink clients are still open
		if f.recorder != nil {
			f.recorder.Close()
		}

		if f.memoryLimiter != nil {
			_ = f.memoryLimiter.Close()
		}
		if f.stateStore != nil {
			f.stateStore.Close()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
	})
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) RouteLimiters() handler.RouteLimiters {
	return f.windows
}
