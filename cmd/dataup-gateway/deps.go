package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/analytics"
	"github.com/dataup/cvat-gateway/internal/apikeys"
	"github.com/dataup/cvat-gateway/internal/audit"
	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/config"
	"github.com/dataup/cvat-gateway/internal/database"
	"github.com/dataup/cvat-gateway/internal/dataup"
	"github.com/dataup/cvat-gateway/internal/encryption"
	"github.com/dataup/cvat-gateway/internal/media"
	"github.com/dataup/cvat-gateway/internal/server"
	"github.com/dataup/cvat-gateway/internal/tempaccess"
)

// buildDatabaseConfig reads the database settings from the environment. When
// DATABASE_PATH is unset the sqlite path falls back to cfg.DatabasePath.
func buildDatabaseConfig(cfg *config.Config) database.FullConfig {
	dbConfig := database.ConfigFromEnv()
	if dbConfig.Driver == database.DriverSQLite {
		if os.Getenv("DATABASE_PATH") == "" && cfg != nil && cfg.DatabasePath != "" {
			dbConfig.Path = cfg.DatabasePath
		}
	}
	return dbConfig
}

// newKeyStore wraps db with secret encryption when encryptionKey is set. The
// same key seeds the secret digest so digests stay stable across restarts.
func newKeyStore(db *database.DB, encryptionKey string) (*database.APIKeyStore, error) {
	if encryptionKey == "" {
		return database.NewAPIKeyStore(db, nil, nil), nil
	}
	key, err := encryption.DecodeKey(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
	}
	enc, err := encryption.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	return database.NewAPIKeyStore(db, enc, encryption.NewDigester(key)), nil
}

func newRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// newMediaProvider returns the configured frame provider. The S3 provider is
// also returned so a presigner can be built on it.
func newMediaProvider(ctx context.Context, cfg config.MediaConfig) (media.Provider, *s3.Client, *media.S3Provider, error) {
	if cfg.Backend != "s3" {
		return media.NewFSProvider(cfg.Root), nil, nil, nil
	}
	client, err := media.NewS3Client(ctx, media.S3Config{
		Bucket:       cfg.S3Bucket,
		Prefix:       cfg.S3Prefix,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	p := media.NewS3Provider(client, cfg.S3Bucket, cfg.S3Prefix)
	return p, client, p, nil
}

func tempAccessPolicy(cfg config.TempAccessConfig) tempaccess.Policy {
	p := tempaccess.DefaultPolicy()
	p.Attempts = cfg.RetryAttempts
	p.BaseDelay = cfg.RetryBaseDelay
	p.ExtendThreshold = cfg.ExtendThreshold
	p.ExtendBy = cfg.ExtendBy
	p.IssueTTL = cfg.DefaultIssueTTL
	p.MaxBatchFrames = cfg.MaxBatchFrames
	return p
}

// app holds the running server and everything that must be closed with it.
type app struct {
	server  *server.Server
	closers []func() error
}

func (a *app) Close(logger *zap.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("failed to close resource", zap.Error(err))
		}
	}
}

// For testing
var newDatabaseFromConfig = database.NewFromConfig

// buildApp connects every backend and assembles the HTTP server. On error the
// resources opened so far are closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.Close(logger)
			a = nil
		}
	}()

	auditLogger := audit.NewNullLogger()
	if cfg.AuditEnabled {
		auditLogger, err = audit.NewLogger(audit.LoggerConfig{FilePath: cfg.AuditLogFile, CreateDir: cfg.AuditCreateDir})
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, auditLogger.Close)
	}

	dbConfig := buildDatabaseConfig(cfg)
	db, err := newDatabaseFromConfig(dbConfig)
	if err != nil {
		return a, fmt.Errorf("failed to connect to %s database: %w", dbConfig.Driver, err)
	}
	a.closers = append(a.closers, db.Close)
	logger.Info("connected to database", zap.String("driver", string(dbConfig.Driver)))

	store, err := newKeyStore(db, cfg.EncryptionKey)
	if err != nil {
		return a, err
	}
	if cfg.EncryptionKey == "" {
		logger.Warn("ENCRYPTION_KEY not set - API key secrets will be stored in plaintext",
			zap.String("hint", "Generate a valid key with: openssl rand -base64 32"))
	}
	keys := apikeys.NewService(store, apikeys.WithAuditLogger(auditLogger), apikeys.WithLogger(logger))
	resolver := apikeys.NewResolver(store,
		apikeys.WithOrgRoleEnforcement(cfg.EnforceOrgKeyRole),
		apikeys.WithResolverLogger(logger))

	rdb := newRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	a.closers = append(a.closers, rdb.Close)

	provider, s3Client, s3Provider, err := newMediaProvider(ctx, cfg.Media)
	if err != nil {
		return a, err
	}
	var presign *media.PresignHandler
	if s3Provider != nil && cfg.Media.EnablePresign {
		signer := media.NewPresigner(s3Provider, s3.NewPresignClient(s3Client), rdb, cfg.Media.PresignTTL, logger)
		presign = media.NewPresignHandler(signer, logger)
	}

	temp := tempaccess.NewService(tempaccess.NewRedisCache(rdb), provider,
		tempaccess.WithPolicy(tempAccessPolicy(cfg.TempAccess)),
		tempaccess.WithLogger(logger),
		tempaccess.WithAuditLogger(auditLogger))

	table, err := dataup.LoadResourceTable(cfg.DataUp.ResourcesPath)
	if err != nil {
		return a, err
	}
	upstream := dataup.NewClient(dataup.ClientConfig{
		BaseURL:            cfg.DataUp.BaseURL,
		APIVersion:         cfg.DataUp.APIVersion,
		Timeout:            cfg.DataUp.Timeout,
		BreakerMaxFailures: cfg.DataUp.BreakerMaxFailures,
		BreakerTimeout:     cfg.DataUp.BreakerTimeout,
		BreakerInterval:    cfg.DataUp.BreakerInterval,
	}, &http.Client{Timeout: cfg.DataUp.Timeout}, logger)

	checks := map[string]server.Check{
		"database": db.HealthCheck,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	var stats *analytics.Handler
	if cfg.AnalyticsDatabaseURL != "" {
		as, err := analytics.Open(cfg.AnalyticsDriver, cfg.AnalyticsDatabaseURL)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, as.Close)
		stats = analytics.NewHandler(as, logger)
		checks["analytics"] = as.Ping
	} else {
		logger.Info("ANALYTICS_DATABASE_URL not set - analytics endpoints disabled")
	}

	a.server, err = server.New(server.Options{
		Config:     cfg,
		Logger:     logger,
		Verifier:   auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		APIKeys:    apikeys.NewHandler(keys, resolver, logger),
		DataUp:     dataup.NewHandler(upstream, table, resolver, keys, logger),
		TempAccess: tempaccess.NewHandler(temp, logger),
		Analytics:  stats,
		Presign:    presign,
		Checks:     checks,
	})
	if err != nil {
		return a, err
	}
	return a, nil
}
