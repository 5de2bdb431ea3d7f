package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	for _, name := range []string{"bankd.toml", "bankd.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf", name)
			cfg, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, Default().ListenAddr, cfg.ListenAddr)
			require.FileExists(t, path)

			again, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, cfg, again)
		})
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bankd.toml")
	raw := `
listen_addr = ":9999"
retry_delay = "500ms"

[store]
backend = "bolt"
path = "priv.db"

[bootstrap]
attempts = 7
initial = "10ms"
max = "1s"
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, 500*time.Millisecond, cfg.RetryDelay.Duration)
	require.Equal(t, "bolt", cfg.Store.Backend)
	require.Equal(t, uint64(7), cfg.Bootstrap.Attempts)
	require.Equal(t, 10*time.Millisecond, cfg.Bootstrap.Initial.Duration)
	require.Equal(t, Default().RateLimit, cfg.RateLimit)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bankd.yml")
	raw := "listen_addr: \":7070\"\nretry_delay: 3s\nstore:\n  backend: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddr)
	require.Equal(t, 3*time.Second, cfg.RetryDelay.Duration)
	require.Equal(t, "memory", cfg.Store.Backend)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BANKD_LISTEN_ADDR":        ":1234",
		"BANKD_STORE_BACKEND":      "memory",
		"BANKD_RETRY_DELAY":        "1m",
		"BANKD_BOOTSTRAP_ATTEMPTS": "9",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.Equal(t, ":1234", cfg.ListenAddr)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, time.Minute, cfg.RetryDelay.Duration)
	require.Equal(t, uint64(9), cfg.Bootstrap.Attempts)

	bad := Default()
	require.Error(t, bad.ApplyEnv(func(k string) (string, bool) {
		if k == "BANKD_RETRY_DELAY" {
			return "soon", true
		}
		return "", false
	}))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BANKD_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("BANKD_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	require.Equal(t, "loaded", os.Getenv("BANKD_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":  func(c *Config) { c.Store.Backend = "postgres" },
		"path":     func(c *Config) { c.Store.Path = "" },
		"retry":    func(c *Config) { c.RetryDelay = Duration{} },
		"attempts": func(c *Config) { c.Bootstrap.Attempts = 0 },
		"interval": func(c *Config) { c.Bootstrap.Max = Duration{time.Millisecond} },
		"rate":     func(c *Config) { c.RateLimit.Burst = 0 },
	}
	require.NoError(t, Default().Validate())
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		require.Error(t, cfg.Validate(), name)
	}
}
