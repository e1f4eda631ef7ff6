package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

// Duration accepts human-readable values like "30s" or "5m" in yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the stdlib type at wiring sites.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type AdminConfig struct {
	Port int `yaml:"port"`
}

type RelayConfig struct {
	Driver    string   `yaml:"driver" validate:"oneof=nats memory"`
	Addresses []string `yaml:"addresses" validate:"required,min=1,dive,required"`

	ReconnectBase  Duration `yaml:"reconnect_base"`
	MaxReconnects  int      `yaml:"max_reconnects"`
	ProbeInterval  Duration `yaml:"probe_interval"`
	StaleAfter     Duration `yaml:"stale_after"`
	ReplayWindow   Duration `yaml:"replay_window"`
	PublishRetries int      `yaml:"publish_retries"`
	PublishBase    Duration `yaml:"publish_base"`
}

type IdentityConfig struct {
	PrivateKey string `yaml:"private_key" validate:"required"` // hex-encoded 32-byte seed
	Name       string `yaml:"name"`
	About      string `yaml:"about"`
	Web        string `yaml:"web"`
}

type AIConfig struct {
	OpenAIKey       string   `yaml:"openai_key"`
	OpenAIBaseURL   string   `yaml:"openai_base_url"`
	GeminiKey       string   `yaml:"gemini_key"`
	GeminiURL       string   `yaml:"gemini_url"`
	Models          []string `yaml:"models" validate:"required,min=1"`
	Timeout         Duration `yaml:"timeout"`          // per inference call
	ConcurrentLimit int      `yaml:"concurrent_limit"` // max concurrent AI calls
}

type EngineConfig struct {
	Allowlist    []string `yaml:"allowlist"` // empty = serve everyone
	Pacing       Duration `yaml:"pacing"`
	SeedLookback Duration `yaml:"seed_lookback"`
	QueueSize    int      `yaml:"queue_size"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Relay    RelayConfig    `yaml:"relay"`
	Identity IdentityConfig `yaml:"identity"`
	AI       AIConfig       `yaml:"ai"`
	Engine   EngineConfig   `yaml:"engine"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// ApplyDefaults fills unset fields with the engine's fixed defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Admin.Port <= 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Relay.Driver == "" {
		cfg.Relay.Driver = "nats"
	}
	if cfg.Relay.ReconnectBase <= 0 {
		cfg.Relay.ReconnectBase = Duration(time.Second)
	}
	if cfg.Relay.MaxReconnects <= 0 {
		cfg.Relay.MaxReconnects = 5
	}
	if cfg.Relay.ProbeInterval <= 0 {
		cfg.Relay.ProbeInterval = Duration(30 * time.Second)
	}
	if cfg.Relay.StaleAfter <= 0 {
		cfg.Relay.StaleAfter = Duration(5 * time.Minute)
	}
	if cfg.Relay.ReplayWindow <= 0 {
		cfg.Relay.ReplayWindow = Duration(time.Hour)
	}
	if cfg.Relay.PublishRetries <= 0 {
		cfg.Relay.PublishRetries = 3
	}
	if cfg.Relay.PublishBase <= 0 {
		cfg.Relay.PublishBase = Duration(time.Second)
	}
	if cfg.AI.Timeout <= 0 {
		cfg.AI.Timeout = Duration(60 * time.Second)
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 1
	}
	if cfg.Engine.Pacing <= 0 {
		cfg.Engine.Pacing = Duration(2 * time.Second)
	}
	if cfg.Engine.SeedLookback <= 0 {
		cfg.Engine.SeedLookback = Duration(4 * time.Hour)
	}
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = 256
	}
}
