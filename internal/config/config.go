package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config models jobline.yml (or jobline.toml).
type Config struct {
	Server struct {
		Addr      string `yaml:"addr" toml:"addr"`
		JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
		// AllowActorHeader accepts the unauthenticated X-Actor-Id header.
		AllowActorHeader bool `yaml:"allow_actor_header" toml:"allow_actor_header"`
	} `yaml:"server" toml:"server"`
	Ledger        LedgerConfig        `yaml:"ledger" toml:"ledger"`
	LLM           LLMConfig           `yaml:"llm" toml:"llm"`
	Revisions     RevisionsConfig     `yaml:"revisions" toml:"revisions"`
	Arbiter       ArbiterConfig       `yaml:"arbiter" toml:"arbiter"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Webhooks      []WebhookConfig     `yaml:"webhooks" toml:"webhooks"`
}

type LedgerConfig struct {
	// Driver is "memory" or "rpc".
	Driver              string `yaml:"driver" toml:"driver"`
	RPCURL              string `yaml:"rpc_url" toml:"rpc_url"`
	Contract            string `yaml:"contract" toml:"contract"`
	StartBlock          uint64 `yaml:"start_block" toml:"start_block"`
	LookbackBlocks      uint64 `yaml:"lookback_blocks" toml:"lookback_blocks"`
	BatchSize           uint64 `yaml:"batch_size" toml:"batch_size"`
	SyncIntervalSeconds int    `yaml:"sync_interval_seconds" toml:"sync_interval_seconds"`
}

func (l LedgerConfig) SyncInterval() time.Duration {
	return time.Duration(l.SyncIntervalSeconds) * time.Second
}

type LLMConfig struct {
	BaseURL         string `yaml:"base_url" toml:"base_url"`
	Model           string `yaml:"model" toml:"model"`
	APIKey          string `yaml:"api_key" toml:"api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxFailures     int    `yaml:"max_failures" toml:"max_failures"`
	CooldownSeconds int    `yaml:"cooldown_seconds" toml:"cooldown_seconds"`
}

func (l LLMConfig) Enabled() bool { return strings.TrimSpace(l.BaseURL) != "" }

type RevisionsConfig struct {
	DeadlineHours           int `yaml:"deadline_hours" toml:"deadline_hours"`
	DecomposeTimeoutSeconds int `yaml:"decompose_timeout_seconds" toml:"decompose_timeout_seconds"`
	UndoWindowSeconds       int `yaml:"undo_window_seconds" toml:"undo_window_seconds"`
}

func (r RevisionsConfig) Deadline() time.Duration {
	return time.Duration(r.DeadlineHours) * time.Hour
}

func (r RevisionsConfig) DecomposeTimeout() time.Duration {
	return time.Duration(r.DecomposeTimeoutSeconds) * time.Second
}

func (r RevisionsConfig) UndoWindow() time.Duration {
	return time.Duration(r.UndoWindowSeconds) * time.Second
}

type ArbiterConfig struct {
	ReleaseRatio    float64  `yaml:"release_ratio" toml:"release_ratio"`
	RefundRatio     float64  `yaml:"refund_ratio" toml:"refund_ratio"`
	NegativeMarkers []string `yaml:"negative_markers" toml:"negative_markers"`
}

type NotificationsConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds" toml:"heartbeat_seconds"`
	Buffer           int `yaml:"buffer" toml:"buffer"`
}

func (n NotificationsConfig) Heartbeat() time.Duration {
	return time.Duration(n.HeartbeatSeconds) * time.Second
}

type WebhookConfig struct {
	URL string `yaml:"url" toml:"url"`
	// Actions filters activity actions; empty means all.
	Actions        []string `yaml:"actions" toml:"actions"`
	Secret         string   `yaml:"secret" toml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "memory":
	case "rpc":
		if strings.TrimSpace(c.Ledger.RPCURL) == "" {
			return fmt.Errorf("config.ledger.rpc_url is required for the rpc driver")
		}
	default:
		return fmt.Errorf("config.ledger.driver must be 'memory' or 'rpc', got %q", c.Ledger.Driver)
	}
	if c.Ledger.BatchSize == 0 {
		return fmt.Errorf("config.ledger.batch_size must be positive")
	}
	if c.Ledger.SyncIntervalSeconds < 0 {
		return fmt.Errorf("config.ledger.sync_interval_seconds must not be negative")
	}
	if c.Revisions.DeadlineHours <= 0 {
		return fmt.Errorf("config.revisions.deadline_hours must be positive")
	}
	if c.Revisions.DecomposeTimeoutSeconds <= 0 {
		return fmt.Errorf("config.revisions.decompose_timeout_seconds must be positive")
	}
	if c.Revisions.UndoWindowSeconds < 0 {
		return fmt.Errorf("config.revisions.undo_window_seconds must not be negative")
	}
	if err := c.Arbiter.Validate(); err != nil {
		return err
	}
	if c.Notifications.HeartbeatSeconds <= 0 {
		return fmt.Errorf("config.notifications.heartbeat_seconds must be positive")
	}
	if c.Notifications.Buffer <= 0 {
		return fmt.Errorf("config.notifications.buffer must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (a ArbiterConfig) Validate() error {
	if a.ReleaseRatio <= 0 || a.ReleaseRatio > 1 {
		return fmt.Errorf("config.arbiter.release_ratio must be in (0,1]")
	}
	if a.RefundRatio < 0 || a.RefundRatio >= a.ReleaseRatio {
		return fmt.Errorf("config.arbiter.refund_ratio must be in [0, release_ratio)")
	}
	for _, m := range a.NegativeMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("config.arbiter.negative_markers contains an empty marker")
		}
	}
	return nil
}

// Path returns the config file path for a workspace, preferring an existing
// jobline.toml over the YAML default.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	tomlPath := filepath.Join(workspace, "jobline.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	return filepath.Join(workspace, "jobline.yml")
}

// Load reads config from the workspace, falling back to Default when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return FromFile(path)
}

// FromFile reads a YAML or TOML config depending on the file extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
  allow_actor_header: false

ledger:
  driver: memory
  rpc_url: ""
  contract: ""
  start_block: 0
  lookback_blocks: 0
  batch_size: 500
  sync_interval_seconds: 30

llm:
  base_url: ""
  model: ""
  api_key: ""
  timeout_seconds: 60
  max_failures: 3
  cooldown_seconds: 120

revisions:
  deadline_hours: 72
  decompose_timeout_seconds: 20
  undo_window_seconds: 600

arbiter:
  release_ratio: 0.9
  refund_ratio: 0.3
  negative_markers: ["not working", "broken", "wrong", "missing"]

notifications:
  heartbeat_seconds: 30
  buffer: 32

webhooks: []
`
