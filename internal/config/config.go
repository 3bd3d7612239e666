// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration values loaded from environment variables.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Read/write timeout of the HTTP server
	MaxRequestSize int64         // Maximum size of incoming request bodies in bytes

	// Environment
	APIEnv string // API environment: 'production', 'development', 'test'

	// Database configuration (SQLite fallback path; see database.ConfigFromEnv for the full set)
	DatabasePath     string
	DatabasePoolSize int

	// Authentication
	JWTSecret string // HMAC secret used to verify bearer JWTs
	JWTIssuer string // Expected issuer; empty disables the check

	// Encryption of API key secrets at rest (base64, 32 bytes). Empty stores plaintext.
	EncryptionKey string

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// Audit logging
	AuditEnabled   bool
	AuditLogFile   string
	AuditCreateDir bool

	// CORS settings
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         time.Duration

	// Rate limiting
	IPRateLimit int // Maximum requests per minute per IP, 0 disables

	// Monitoring
	EnableMetrics bool
	MetricsPath   string

	// Redis backs temporary access tokens and presigned URL caching
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	// DataUp upstream
	DataUp DataUpConfig

	// API keys
	EnforceOrgKeyRole bool // Require allowed_roles membership for org-only keys

	// Temporary access tokens
	TempAccess TempAccessConfig

	// Media delivery
	Media MediaConfig

	// Analytics database (the CVAT database the label counts are read from)
	AnalyticsDriver      string
	AnalyticsDatabaseURL string
}

// DataUpConfig configures the upstream DataUp API client.
type DataUpConfig struct {
	BaseURL       string
	APIVersion    string
	ResourcesPath string // YAML resource table; empty uses the embedded default
	Timeout       time.Duration

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration
}

// TempAccessConfig configures the temporary access token service.
type TempAccessConfig struct {
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	ExtendThreshold time.Duration
	ExtendBy        time.Duration
	DefaultIssueTTL time.Duration
	MaxBatchFrames  int
}

// MediaConfig selects and configures the frame provider.
type MediaConfig struct {
	Backend string // "fs" or "s3"
	Root    string // Root directory for the fs backend

	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	EnablePresign bool
	PresignTTL    time.Duration
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates required configuration settings.
func New() (*Config, error) {
	config := &Config{
		ListenAddr:     getEnvString("LISTEN_ADDR", ":8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxRequestSize: getEnvInt64("MAX_REQUEST_SIZE", 10*1024*1024),

		APIEnv: getEnvString("API_ENV", "development"),

		DatabasePath:     getEnvString("DATABASE_PATH", "./data/dataup-gateway.db"),
		DatabasePoolSize: getEnvInt("DATABASE_POOL_SIZE", 10),

		JWTSecret: getEnvString("JWT_SECRET", ""),
		JWTIssuer: getEnvString("JWT_ISSUER", ""),

		EncryptionKey: getEnvString("ENCRYPTION_KEY", ""),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),

		AuditEnabled:   getEnvBool("AUDIT_ENABLED", true),
		AuditLogFile:   getEnvString("AUDIT_LOG_FILE", "./data/audit.log"),
		AuditCreateDir: getEnvBool("AUDIT_CREATE_DIR", true),

		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods: getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders: getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"}),
		CORSMaxAge:         getEnvDuration("CORS_MAX_AGE", 24*time.Hour),

		IPRateLimit: getEnvInt("IP_RATE_LIMIT", 300),

		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		MetricsPath:   getEnvString("METRICS_PATH", "/metrics"),

		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),

		DataUp: DataUpConfig{
			BaseURL:            strings.TrimRight(getEnvString("DATAUP_BASE_URL", "http://localhost:9000"), "/"),
			APIVersion:         getEnvString("DATAUP_API_VERSION", "v1"),
			ResourcesPath:      getEnvString("DATAUP_RESOURCES_PATH", ""),
			Timeout:            getEnvDuration("DATAUP_TIMEOUT", 30*time.Second),
			BreakerMaxFailures: uint32(getEnvInt("DATAUP_BREAKER_MAX_FAILURES", 5)),
			BreakerTimeout:     getEnvDuration("DATAUP_BREAKER_TIMEOUT", 30*time.Second),
			BreakerInterval:    getEnvDuration("DATAUP_BREAKER_INTERVAL", time.Minute),
		},

		EnforceOrgKeyRole: getEnvBool("APIKEY_ENFORCE_ORG_ROLE", true),

		TempAccess: TempAccessConfig{
			RetryAttempts:   getEnvInt("TEMP_ACCESS_RETRY_ATTEMPTS", 3),
			RetryBaseDelay:  getEnvDuration("TEMP_ACCESS_RETRY_BASE", 100*time.Millisecond),
			ExtendThreshold: getEnvDuration("TEMP_ACCESS_EXTEND_THRESHOLD", 60*time.Second),
			ExtendBy:        getEnvDuration("TEMP_ACCESS_EXTEND_BY", 300*time.Second),
			DefaultIssueTTL: getEnvDuration("TEMP_ACCESS_ISSUE_TTL", 300*time.Second),
			MaxBatchFrames:  getEnvInt("TEMP_ACCESS_MAX_BATCH_FRAMES", 1000),
		},

		Media: MediaConfig{
			Backend:        strings.ToLower(getEnvString("MEDIA_BACKEND", "fs")),
			Root:           getEnvString("MEDIA_ROOT", "./data/media"),
			S3Bucket:       getEnvString("S3_BUCKET", ""),
			S3Prefix:       strings.Trim(getEnvString("S3_PREFIX", ""), "/"),
			S3Region:       getEnvString("S3_REGION", "us-east-1"),
			S3Endpoint:     getEnvString("S3_ENDPOINT", ""),
			S3AccessKey:    getEnvString("S3_ACCESS_KEY_ID", ""),
			S3SecretKey:    getEnvString("S3_SECRET_ACCESS_KEY", ""),
			S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", false),
			EnablePresign:  getEnvBool("ENABLE_CLOUD_PRESIGN", true),
			PresignTTL:     getEnvDuration("CLOUD_PRESIGN_TTL", 600*time.Second),
		},

		AnalyticsDriver:      getEnvString("ANALYTICS_DB_DRIVER", "postgres"),
		AnalyticsDatabaseURL: getEnvString("ANALYTICS_DATABASE_URL", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.Media.Backend != "fs" && c.Media.Backend != "s3" {
		return fmt.Errorf("unsupported MEDIA_BACKEND %q (expected fs or s3)", c.Media.Backend)
	}
	if c.Media.Backend == "s3" && c.Media.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when MEDIA_BACKEND=s3")
	}
	if c.TempAccess.RetryAttempts < 1 {
		return fmt.Errorf("TEMP_ACCESS_RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the default if unset or unparsable.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the default if unset or unparsable.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m") and plain integers,
// which are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if parsedValue, err := time.ParseDuration(value); err == nil {
			return parsedValue
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getEnvStringSlice splits a comma-separated variable, falling back to the
// default when the variable is unset or empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
