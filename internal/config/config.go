// Package config loads ordersync settings from an optional ordersync.yaml,
// a .env file and ORDERSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/state"
)

const EnvPrefix = "ORDERSYNC"

type Config struct {
	Source      SourceConfig
	Downstream  DownstreamConfig
	Correlation CorrelationConfig
	HTTP        HTTPConfig
	State       StateConfig
	Poll        PollConfig
	Server      ServerConfig
	Log         logging.Config

	// File is the config file that was read, empty when none was found.
	File string
}

type SourceConfig struct {
	BaseURL           string
	TokenURL          string
	ClientID          string
	ClientSecret      string
	StreamName        string
	PartitionID       int
	IncludeTestOrders bool
}

type DownstreamConfig struct {
	BaseURL string
	APIKey  string
	StoreID string
}

type CorrelationConfig struct {
	Marker string
}

type HTTPConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
	TokenTimeout      time.Duration
	TokenSafetyBuffer time.Duration
	RateLimit         float64 // requests per second, 0 disables
	RateBurst         int
}

type StateConfig struct {
	DSN string
	// Profile picks a DSN when none is set: memory, durable-local or
	// production. Production requires an explicit DSN.
	Profile string
	DataDir string
}

type PollConfig struct {
	Interval     time.Duration
	Jitter       float64
	Timeout      time.Duration
	EventReasons []string
}

type ServerConfig struct {
	Addr           string
	MaxBodyBytes   int64
	AdminJWTSecret string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads configuration. When path is empty, ordersync.yaml is searched in
// the working directory and /etc/ordersync.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ordersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ordersync")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Source: SourceConfig{
			BaseURL:           v.GetString("source.base_url"),
			TokenURL:          v.GetString("source.token_url"),
			ClientID:          v.GetString("source.client_id"),
			ClientSecret:      v.GetString("source.client_secret"),
			StreamName:        v.GetString("source.stream_name"),
			PartitionID:       v.GetInt("source.partition_id"),
			IncludeTestOrders: v.GetBool("source.include_test_orders"),
		},
		Downstream: DownstreamConfig{
			BaseURL: v.GetString("downstream.base_url"),
			APIKey:  v.GetString("downstream.api_key"),
			StoreID: v.GetString("downstream.store_id"),
		},
		Correlation: CorrelationConfig{
			Marker: v.GetString("correlation.marker"),
		},
		HTTP: HTTPConfig{
			MaxAttempts:       v.GetInt("http.max_attempts"),
			BaseDelay:         v.GetDuration("http.base_delay"),
			MaxDelay:          v.GetDuration("http.max_delay"),
			Timeout:           v.GetDuration("http.timeout"),
			TokenTimeout:      v.GetDuration("http.token_timeout"),
			TokenSafetyBuffer: v.GetDuration("http.token_safety_buffer"),
			RateLimit:         v.GetFloat64("http.rate_limit"),
			RateBurst:         v.GetInt("http.rate_burst"),
		},
		State: StateConfig{
			DSN:     v.GetString("state.dsn"),
			Profile: v.GetString("state.profile"),
			DataDir: v.GetString("state.data_dir"),
		},
		Poll: PollConfig{
			Interval:     v.GetDuration("poll.interval"),
			Jitter:       v.GetFloat64("poll.jitter"),
			Timeout:      v.GetDuration("poll.timeout"),
			EventReasons: stringList(v.Get("poll.event_reasons")),
		},
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			MaxBodyBytes:   v.GetInt64("server.max_body_bytes"),
			AdminJWTSecret: v.GetString("server.admin_jwt_secret"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
		},
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		File: v.ConfigFileUsed(),
	}
	if !v.IsSet("poll.jitter") {
		cfg.Poll.Jitter = -1
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dsn, err := ResolveStateDSN(cfg.State.Profile, cfg.State.DSN, cfg.State.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.State.DSN = dsn
	return cfg, nil
}

// ResolveStateDSN returns dsn when set, otherwise the default for profile.
func ResolveStateDSN(profile, dsn, dataDir string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dsn = strings.TrimSpace(dsn)
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".ordersync"
	}
	switch profile {
	case "", "custom":
		if dsn != "" {
			return dsn, nil
		}
		if dataDir != ".ordersync" {
			return "file://" + dataDir, nil
		}
		return state.DefaultDSN, nil
	case "memory", "inmemory":
		if dsn != "" {
			return dsn, nil
		}
		return "memory://", nil
	case "durable-local", "local-durable":
		if dsn != "" {
			return dsn, nil
		}
		return "bolt://" + filepath.Join(dataDir, "ordersync.db"), nil
	case "production", "prod":
		if dsn == "" {
			return "", fmt.Errorf("state.dsn is required when state.profile=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported state.profile: %s", profile)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Source.BaseURL == "" {
		cfg.Source.BaseURL = "https://api.dsco.io/api/v3"
	}
	if cfg.Source.TokenURL == "" {
		cfg.Source.TokenURL = strings.TrimSuffix(cfg.Source.BaseURL, "/") + "/oauth2/token"
	}
	if cfg.Source.StreamName == "" {
		cfg.Source.StreamName = "ordersync"
	}
	if cfg.Downstream.BaseURL == "" {
		cfg.Downstream.BaseURL = "https://api.shipstation.com"
	}
	if cfg.Correlation.Marker == "" {
		cfg.Correlation.Marker = "dsco:"
	}
	if cfg.HTTP.MaxAttempts == 0 {
		cfg.HTTP.MaxAttempts = 3
	}
	if cfg.HTTP.BaseDelay == 0 {
		cfg.HTTP.BaseDelay = 500 * time.Millisecond
	}
	if cfg.HTTP.MaxDelay == 0 {
		cfg.HTTP.MaxDelay = 30 * time.Second
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = 30 * time.Second
	}
	if cfg.HTTP.TokenTimeout == 0 {
		cfg.HTTP.TokenTimeout = 15 * time.Second
	}
	if cfg.HTTP.TokenSafetyBuffer == 0 {
		cfg.HTTP.TokenSafetyBuffer = time.Minute
	}
	if cfg.HTTP.RateBurst == 0 {
		cfg.HTTP.RateBurst = 1
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = time.Minute
	}
	if cfg.Poll.Jitter < 0 {
		cfg.Poll.Jitter = 0.2
	}
	if cfg.Poll.Timeout == 0 {
		cfg.Poll.Timeout = 5 * time.Minute
	}
	if len(cfg.Poll.EventReasons) == 0 {
		cfg.Poll.EventReasons = []string{"create"}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	defaults := logging.DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Format
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = defaults.Output
	}
}

func (c *Config) validate() error {
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be at least 1")
	}
	if c.HTTP.BaseDelay > c.HTTP.MaxDelay {
		return fmt.Errorf("http.base_delay (%s) cannot exceed http.max_delay (%s)", c.HTTP.BaseDelay, c.HTTP.MaxDelay)
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit cannot be negative")
	}
	if c.Poll.Jitter > 1 {
		return fmt.Errorf("poll.jitter must be between 0.0 and 1.0, got %f", c.Poll.Jitter)
	}
	if c.Poll.Interval < 0 || c.Poll.Timeout < 0 {
		return fmt.Errorf("poll.interval and poll.timeout must be positive")
	}
	if c.Source.PartitionID < 0 {
		return fmt.Errorf("source.partition_id cannot be negative")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes cannot be negative")
	}
	return nil
}

// RequireSource reports the source settings a sync command cannot run without.
func (c *Config) RequireSource() error {
	var missing []string
	if strings.TrimSpace(c.Source.ClientID) == "" {
		missing = append(missing, "source.client_id")
	}
	if strings.TrimSpace(c.Source.ClientSecret) == "" {
		missing = append(missing, "source.client_secret")
	}
	return missingError(missing)
}

func (c *Config) RequireDownstream() error {
	var missing []string
	if strings.TrimSpace(c.Downstream.APIKey) == "" {
		missing = append(missing, "downstream.api_key")
	}
	return missingError(missing)
}

func missingError(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %s", strings.Join(keys, ", "))
}

// stringList accepts a YAML list or a comma separated string.
func stringList(raw any) []string {
	var parts []string
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(v)}
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
