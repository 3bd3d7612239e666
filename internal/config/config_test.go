package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "v1", cfg.DataUp.APIVersion)
	assert.Equal(t, 3, cfg.TempAccess.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.TempAccess.RetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.TempAccess.ExtendThreshold)
	assert.Equal(t, 300*time.Second, cfg.TempAccess.ExtendBy)
	assert.Equal(t, 600*time.Second, cfg.Media.PresignTTL)
	assert.Equal(t, "fs", cfg.Media.Backend)
	assert.True(t, cfg.EnforceOrgKeyRole)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
}

func TestNew_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestNew_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATAUP_BASE_URL", "https://dataup.example.com/")
	t.Setenv("TEMP_ACCESS_RETRY_ATTEMPTS", "5")
	t.Setenv("TEMP_ACCESS_EXTEND_BY", "120")
	t.Setenv("CLOUD_PRESIGN_TTL", "15m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("APIKEY_ENFORCE_ORG_ROLE", "false")
	t.Setenv("S3_PREFIX", "/cvat/data/")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "https://dataup.example.com", cfg.DataUp.BaseURL)
	assert.Equal(t, 5, cfg.TempAccess.RetryAttempts)
	assert.Equal(t, 120*time.Second, cfg.TempAccess.ExtendBy)
	assert.Equal(t, 15*time.Minute, cfg.Media.PresignTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.EnforceOrgKeyRole)
	assert.Equal(t, "cvat/data", cfg.Media.S3Prefix)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			JWTSecret:  "x",
			Media:      MediaConfig{Backend: "fs"},
			TempAccess: TempAccessConfig{RetryAttempts: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Media.Backend = "gcs" }, "MEDIA_BACKEND"},
		{"s3 without bucket", func(c *Config) { c.Media.Backend = "s3" }, "S3_BUCKET"},
		{"s3 with bucket", func(c *Config) { c.Media.Backend = "s3"; c.Media.S3Bucket = "frames" }, ""},
		{"zero attempts", func(c *Config) { c.TempAccess.RetryAttempts = 0 }, "RETRY_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("T_INT", "nope")
	assert.Equal(t, 42, getEnvInt("T_INT", 42))
	t.Setenv("T_INT64", "9000000000")
	assert.Equal(t, int64(9000000000), getEnvInt64("T_INT64", 1))
	t.Setenv("T_BOOL", "maybe")
	assert.True(t, getEnvBool("T_BOOL", true))
	t.Setenv("T_DUR", "bogus")
	assert.Equal(t, time.Second, getEnvDuration("T_DUR", time.Second))
	t.Setenv("T_SLICE", "")
	assert.Equal(t, []string{"a"}, getEnvStringSlice("T_SLICE", []string{"a"}))
}
