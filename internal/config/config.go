package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/ratelimit"
)

// EnvPrefix namespaces environment overrides: storage.dsn is read from
// SPENDWATCH_STORAGE_DSN.
const EnvPrefix = "SPENDWATCH"

type Config struct {
	Addr      string          `mapstructure:"addr"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Detection DetectionConfig `mapstructure:"detection"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Reminders ReminderConfig  `mapstructure:"reminders"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	// Limits is keyed by rate-limit purpose, e.g. ledger-write.
	Limits map[string]ratelimit.Limit `mapstructure:"limits"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type StorageConfig struct {
	// Profile is memory, durable-local, sqlite or production. It only
	// matters when DSN is empty.
	Profile       string `mapstructure:"profile"`
	DSN           string `mapstructure:"dsn"`
	DataDir       string `mapstructure:"data_dir"`
	ProductionDSN string `mapstructure:"production_dsn"`
	Watch         bool   `mapstructure:"watch"`
}

type DetectionConfig struct {
	ProfilePath    string        `mapstructure:"profile_path"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PurchaseWindow time.Duration `mapstructure:"purchase_window"`
	MatchThreshold float64       `mapstructure:"match_threshold"`
	VisitGap       time.Duration `mapstructure:"visit_gap"`
}

type LedgerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Token is used when no browser session has been bridged, e.g. by a
	// headless drain.
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

type QueueConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	InterItemDelay time.Duration `mapstructure:"inter_item_delay"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	DrainJitter    float64       `mapstructure:"drain_jitter"`
}

type ReminderConfig struct {
	MaxLateness  time.Duration `mapstructure:"max_lateness"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type NotifyConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ActionTTL      time.Duration `mapstructure:"action_ttl"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
}

type ServerConfig struct {
	SigningSecret     string        `mapstructure:"signing_secret"`
	AdminJWTSecret    string        `mapstructure:"admin_jwt_secret"`
	MaxSkew           time.Duration `mapstructure:"max_skew"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	ConnectRateMax    int           `mapstructure:"connect_rate_max"`
	ConnectRateWindow time.Duration `mapstructure:"connect_rate_window"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8787")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("storage.profile", "durable-local")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.data_dir", ".spendwatch")
	v.SetDefault("storage.production_dsn", "")
	v.SetDefault("storage.watch", true)

	v.SetDefault("detection.profile_path", "")
	v.SetDefault("detection.sweep_interval", 5*time.Second)
	v.SetDefault("detection.purchase_window", 2*time.Minute)
	v.SetDefault("detection.match_threshold", 0.85)
	v.SetDefault("detection.visit_gap", 30*time.Minute)

	v.SetDefault("ledger.base_url", "http://127.0.0.1:3000")
	v.SetDefault("ledger.token", "")
	v.SetDefault("ledger.request_timeout", 10*time.Second)
	v.SetDefault("ledger.probe_timeout", 3*time.Second)

	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.max_age", 24*time.Hour)
	v.SetDefault("queue.base_delay", 5*time.Second)
	v.SetDefault("queue.max_delay", 30*time.Minute)
	v.SetDefault("queue.inter_item_delay", 250*time.Millisecond)
	v.SetDefault("queue.drain_interval", 5*time.Minute)
	v.SetDefault("queue.drain_jitter", 0.2)

	v.SetDefault("reminders.max_lateness", 6*time.Hour)
	v.SetDefault("reminders.poll_interval", 15*time.Second)

	v.SetDefault("notify.allowed_origins", []string{"https://app.spendwatch.io", "http://localhost:3000"})
	v.SetDefault("notify.action_ttl", 5*time.Minute)
	v.SetDefault("notify.send_timeout", 5*time.Second)

	v.SetDefault("server.signing_secret", "")
	v.SetDefault("server.admin_jwt_secret", "")
	v.SetDefault("server.max_skew", 5*time.Minute)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.connect_rate_max", 30)
	v.SetDefault("server.connect_rate_window", time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	for purpose, limit := range ratelimit.DefaultLimits() {
		v.SetDefault("limits."+string(purpose)+".max_requests", limit.MaxRequests)
		v.SetDefault("limits."+string(purpose)+".window", limit.Window)
	}
}

// Load layers defaults, the optional YAML file at path and SPENDWATCH_*
// environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Notify.AllowedOrigins = splitList(cfg.Notify.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Detection.MatchThreshold <= 0 || c.Detection.MatchThreshold > 1 {
		return fmt.Errorf("detection.match_threshold must be in (0, 1], got %v", c.Detection.MatchThreshold)
	}
	if c.Queue.DrainJitter < 0 || c.Queue.DrainJitter > 1 {
		return fmt.Errorf("queue.drain_jitter must be in [0, 1], got %v", c.Queue.DrainJitter)
	}
	if _, err := c.Storage.ResolveDSN(); err != nil {
		return err
	}
	for name := range c.Limits {
		switch ratelimit.Purpose(name) {
		case ratelimit.PurposeLedgerWrite, ratelimit.PurposeLLMCall, ratelimit.PurposeSiteVisit, ratelimit.PurposeInboundMessage:
		default:
			return fmt.Errorf("unknown rate limit purpose: %s", name)
		}
	}
	return nil
}

// ResolveDSN returns the explicit DSN or the one implied by the profile.
func (s StorageConfig) ResolveDSN() (string, error) {
	if dsn := strings.TrimSpace(s.DSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(s.Profile))
	dataDir := strings.TrimSpace(s.DataDir)
	if dataDir == "" {
		dataDir = ".spendwatch"
	}
	switch profile {
	case "memory", "inmemory":
		return "memory://", nil
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "state.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(s.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("storage.production_dsn is required when storage.profile=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported storage.profile: %s", profile)
	}
}

// RateLimits converts Limits to the limiter's purpose keys.
func (c *Config) RateLimits() map[ratelimit.Purpose]ratelimit.Limit {
	out := make(map[ratelimit.Purpose]ratelimit.Limit, len(c.Limits))
	for name, limit := range c.Limits {
		out[ratelimit.Purpose(name)] = limit
	}
	return out
}

// LoadProfile reads the detection profile, or returns the built-in one when
// no path is configured.
func (c *Config) LoadProfile() (*detect.Profile, error) {
	if strings.TrimSpace(c.Detection.ProfilePath) == "" {
		return detect.DefaultProfile(), nil
	}
	return detect.LoadProfile(c.Detection.ProfilePath)
}

// splitList accepts both YAML lists and a single comma-separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
