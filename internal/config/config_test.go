package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel-engine/internal/engine"
)

var envKeys = []string{
	"BATTLE_CONFIG", "PORT", "DATABASE_URL", "STORE_DRIVER", "JWT_SECRET", "MAX_PING_MS",
	"PENDING_TTL", "ACTIVE_TTL", "SWEEP_INTERVAL", "MATCH_PRESENCE_WINDOW",
}

// clearEnv unsets every key Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func noDotenv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(noDotenv(t))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, engine.DefaultConfig(), cfg.Engine())
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestLoadLayersYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "battle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "5000"
store_driver: memory
sweep_interval: 10s
battle:
  max_ping_ms: 500
  pending_ttl: 5m
  active_ttl: 90s
`), 0o600))
	t.Setenv("BATTLE_CONFIG", path)
	t.Setenv("PORT", "6000")
	t.Setenv("ACTIVE_TTL", "45s")

	cfg, err := Load(noDotenv(t))
	require.NoError(t, err)
	assert.Equal(t, "6000", cfg.Port, "env wins over yaml")
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.EqualValues(t, 500, cfg.Battle.MaxPingMs)
	assert.Equal(t, 5*time.Minute, cfg.Battle.PendingTTL)
	assert.Equal(t, 45*time.Second, cfg.Battle.ActiveTTL)
	assert.Equal(t, engine.DefaultConfig().PresenceWindow, cfg.Battle.PresenceWindow)
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	clearEnv(t)
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("PORT=7000\nSTORE_DRIVER=memory\nMAX_PING_MS=250\n"), 0o600))
	t.Setenv("MAX_PING_MS", "900")

	cfg, err := Load(dotenv)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.EqualValues(t, 900, cfg.Battle.MaxPingMs)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"duration": {"PENDING_TTL", "ten minutes"},
		"integer":  {"MAX_PING_MS", "fast"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load(noDotenv(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), kv[0])
		})
	}

	t.Run("missing yaml", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("BATTLE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(noDotenv(t))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.StoreDriver = "sqlite"
	cfg.JWTSecret = "short"
	cfg.Battle.MaxPingMs = 0
	cfg.Battle.ActiveTTL = -time.Second
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store_driver", "jwt_secret", "max_ping_ms", "active_ttl"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.StoreDriver = DriverMemory
	cfg.DatabaseURL = ""
	assert.NoError(t, cfg.Validate(), "memory driver needs no database")
}
