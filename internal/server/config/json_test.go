package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"metrics_addr":                   "www.example:9000",
		"database_dsn":                   "postgres://example/parley",
		"secret_key":                     "my_secret_key",
		"access_token_validity_duration": "1m",
		"verification_token_ttl":         "3m",
		"registration_lock_wait":         "500ms",
		"write_queue_capacity":           64,
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		parseJson(cfg)

		assert.Equal(t, "www.example:9000", cfg.MetricsAddr)
		assert.Equal(t, "postgres://example/parley", cfg.DatabaseDSN)
		assert.Equal(t, "my_secret_key", cfg.SecretKey)
		assert.Equal(t, 1*time.Minute, cfg.AccessTokenValidityDuration)
		assert.Equal(t, 3*time.Minute, cfg.VerificationTokenTTL)
		assert.Equal(t, 500*time.Millisecond, cfg.RegistrationLockWait)
		assert.Equal(t, 64, cfg.WriteQueueCapacity)
	})

	t.Run("no config flag leaves values untouched", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{
			MetricsAddr: "defaults:1234",
			DatabaseDSN: "postgres://defaults",
		}
		parseJson(cfg)

		assert.Equal(t, "defaults:1234", cfg.MetricsAddr)
		assert.Equal(t, "postgres://defaults", cfg.DatabaseDSN)
	})

	t.Run("missing file panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", filepath.Join(dir, "absent.json")}

		cfg := &Config{}
		assert.Panics(t, func() { parseJson(cfg) })
	})
}
