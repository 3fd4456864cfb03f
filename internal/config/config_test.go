package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ordersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ordersync", cfg.Source.StreamName)
	assert.Equal(t, "https://api.dsco.io/api/v3/oauth2/token", cfg.Source.TokenURL)
	assert.Equal(t, "dsco:", cfg.Correlation.Marker)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.HTTP.TokenTimeout)
	assert.Equal(t, time.Minute, cfg.Poll.Interval)
	assert.Equal(t, 0.2, cfg.Poll.Jitter)
	assert.Equal(t, []string{"create"}, cfg.Poll.EventReasons)
	assert.Equal(t, "file://.ordersync", cfg.State.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.File)
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
source:
  client_id: file-client
  partition_id: 2
downstream:
  store_id: "77"
poll:
  interval: 30s
  jitter: 0
  event_reasons: [create, update]
log:
  level: debug
`)
	t.Setenv("ORDERSYNC_SOURCE_CLIENT_ID", "env-client")
	t.Setenv("ORDERSYNC_DOWNSTREAM_API_KEY", "key-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-client", cfg.Source.ClientID, "environment overrides file")
	assert.Equal(t, 2, cfg.Source.PartitionID)
	assert.Equal(t, "77", cfg.Downstream.StoreID)
	assert.Equal(t, "key-1", cfg.Downstream.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 0.0, cfg.Poll.Jitter, "explicit zero jitter is kept")
	assert.Equal(t, []string{"create", "update"}, cfg.Poll.EventReasons)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, path, cfg.File)
}

func TestLoadSplitsCommaSeparatedReasons(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ORDERSYNC_POLL_EVENT_REASONS", "create, update ,,")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"create", "update"}, cfg.Poll.EventReasons)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "jitter above one", env: map[string]string{"ORDERSYNC_POLL_JITTER": "1.5"}},
		{name: "base delay above max", env: map[string]string{"ORDERSYNC_HTTP_BASE_DELAY": "1m", "ORDERSYNC_HTTP_MAX_DELAY": "1s"}},
		{name: "negative rate limit", env: map[string]string{"ORDERSYNC_HTTP_RATE_LIMIT": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestResolveStateDSNProfiles(t *testing.T) {
	cases := []struct {
		profile, dsn, dataDir string
		want                  string
		wantErr               bool
	}{
		{profile: "", want: "file://.ordersync"},
		{profile: "", dataDir: "/var/lib/ordersync", want: "file:///var/lib/ordersync"},
		{profile: "memory", want: "memory://"},
		{profile: "durable-local", dataDir: "/data", want: "bolt:///data/ordersync.db"},
		{profile: "production", dsn: "postgres://db/ordersync", want: "postgres://db/ordersync"},
		{profile: "production", wantErr: true},
		{profile: "custom", dsn: "redis://cache:6379/0", want: "redis://cache:6379/0"},
		{profile: "sideways", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ResolveStateDSN(tc.profile, tc.dsn, tc.dataDir)
		if tc.wantErr {
			assert.Error(t, err, "profile %q", tc.profile)
			continue
		}
		require.NoError(t, err, "profile %q", tc.profile)
		assert.Equal(t, tc.want, got, "profile %q", tc.profile)
	}
}

func TestLoadResolvesStateProfile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ORDERSYNC_STATE_PROFILE", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.State.DSN)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRequireSourceAndDownstream(t *testing.T) {
	cfg := &Config{}
	assert.ErrorContains(t, cfg.RequireSource(), "source.client_id, source.client_secret")
	assert.ErrorContains(t, cfg.RequireDownstream(), "downstream.api_key")

	cfg.Source.ClientID, cfg.Source.ClientSecret, cfg.Downstream.APIKey = "id", "secret", "key"
	assert.NoError(t, cfg.RequireSource())
	assert.NoError(t, cfg.RequireDownstream())
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ORDERSYNC_TEST_DOTENV=from-file\nORDERSYNC_TEST_DOTENV_SET=from-file\n"), 0o644))
	t.Setenv("ORDERSYNC_TEST_DOTENV_SET", "from-env")
	t.Cleanup(func() { os.Unsetenv("ORDERSYNC_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(envPath, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("ORDERSYNC_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("ORDERSYNC_TEST_DOTENV_SET"))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { changes <- cfg }, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "log:\n  level: debug\npoll:\n  interval: 5s\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload after config write")
	}
	cancel()
	require.NoError(t, <-done)
}
