package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulefs/capsule/config"
)

// writeConfig drops a YAML config file into a temp dir.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load([]string{writeConfig(t, minimalConfig)}, nil)
	require.NoError(t, err)

	assert.Equal(t, 5801, cfg.Server.Port)
	assert.Equal(t, int64(0), cfg.Server.MaxUploadSize)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "capsule.db", cfg.Database.DSN)
	assert.Equal(t, "./spool", cfg.Storage.SpoolPath)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, time.Hour, cfg.Cleanup.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.MaxAge)
	assert.Equal(t, uint64(5), cfg.Webhook.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.CORS.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
  max_upload_size: 1048576
database:
  type: postgres
  dsn: "postgres://localhost/capsule"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: 2h
log:
  level: debug
`)
	cfg, err := config.Load([]string{path}, nil)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, int64(1048576), cfg.Server.MaxUploadSize)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "postgres://localhost/capsule", cfg.Database.DSN)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadLaterFilesWin(t *testing.T) {
	base := writeConfig(t, minimalConfig+`
server:
  port: 9100
`)
	override := writeConfig(t, `
server:
  port: 9200
`)
	cfg, err := config.Load([]string{base, override}, nil)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CAPSULE_SERVER_PORT", "7777")
	t.Setenv("CAPSULE_LOG_LEVEL", "warn")

	path := writeConfig(t, minimalConfig+`
server:
  port: 9100
`)
	cfg, err := config.Load([]string{path}, nil)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	t.Setenv("CAPSULE_SERVER_PORT", "7777")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 5801, "")
	flags.String("db-dsn", "", "")
	require.NoError(t, flags.Parse([]string{"--port=8888", "--db-dsn=/tmp/flag.db"}))

	cfg, err := config.Load([]string{writeConfig(t, minimalConfig)}, flags)
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, "/tmp/flag.db", cfg.Database.DSN)
}

func TestLoadUnchangedFlagIgnored(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 1, "")
	require.NoError(t, flags.Parse(nil))

	cfg, err := config.Load([]string{writeConfig(t, minimalConfig)}, flags)
	require.NoError(t, err)

	// Flag defaults do not shadow config defaults.
	assert.Equal(t, 5801, cfg.Server.Port)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "short jwt secret", yaml: `
auth:
  jwt_secret: "tooshort"
`},
		{name: "bad log level", yaml: minimalConfig + `
log:
  level: verbose
`},
		{name: "port out of range", yaml: minimalConfig + `
server:
  port: 70000
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load([]string{writeConfig(t, tc.yaml)}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validate config")
		})
	}
}

func TestLoadAllowsEmptyJWTSecret(t *testing.T) {
	// init runs before any config exists; only serve insists on a secret.
	cfg, err := config.Load([]string{writeConfig(t, "server:\n  port: 9100\n")}, nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestContextRoundTrip(t *testing.T) {
	cfg, err := config.Load([]string{writeConfig(t, minimalConfig)}, nil)
	require.NoError(t, err)

	ctx := config.WithContext(context.Background(), cfg)
	got, err := config.FromContext(ctx)
	require.NoError(t, err)
	assert.Same(t, cfg, got)

	_, err = config.FromContext(context.Background())
	assert.Error(t, err)
}
