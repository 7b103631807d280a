package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Deployment topologies. Standalone instances dispatch federation
// operations in-process; federated instances issue signed HTTP calls.
const (
	TopologyStandalone = "standalone"
	TopologyFederated  = "federated"
)

// Config models coopmesh.yml.
type Config struct {
	Instance struct {
		Handle string `yaml:"handle"`
		Domain string `yaml:"domain"`
	} `yaml:"instance"`
	Topology string `yaml:"topology"`
	Hub      struct {
		URL string `yaml:"url"`
	} `yaml:"hub"`
	Server struct {
		Listen    string `yaml:"listen"`
		BaseURL   string `yaml:"base_url"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Keys struct {
		// InstanceKey is the 32-byte AES-256-GCM key for encrypted
		// columns, hex encoded. Generated on init; never rotated
		// automatically.
		InstanceKey string `yaml:"instance_key"`
	} `yaml:"keys"`
	Outbox struct {
		IntervalSeconds     int `yaml:"interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
		MaxAttempts         int `yaml:"max_attempts"`
		BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
		BackoffMaxSeconds   int `yaml:"backoff_max_seconds"`
		SendingGraceSeconds int `yaml:"sending_grace_seconds"`
	} `yaml:"outbox"`
	Federation struct {
		FreshnessWindowSeconds int `yaml:"freshness_window_seconds"`
	} `yaml:"federation"`
}

const configFileName = "coopmesh.yml"

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".coopmesh", configFileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with coopmesh identity create", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Save writes config to the workspace.
func (c *Config) Save(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o600)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Instance.Handle == "" {
		return fmt.Errorf("config.instance.handle is required")
	}
	switch c.Topology {
	case TopologyStandalone:
	case TopologyFederated:
		if c.Hub.URL == "" {
			return fmt.Errorf("config.hub.url is required for federated topology")
		}
		if c.Server.BaseURL == "" {
			return fmt.Errorf("config.server.base_url is required for federated topology")
		}
	default:
		return fmt.Errorf("config.topology must be %q or %q", TopologyStandalone, TopologyFederated)
	}
	if c.Keys.InstanceKey != "" {
		key, err := hex.DecodeString(c.Keys.InstanceKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("config.keys.instance_key must be 64 hex characters (32 bytes)")
		}
	}
	return nil
}

// InstanceKey decodes the 32-byte encryption key.
func (c *Config) InstanceKey() ([]byte, error) {
	if c.Keys.InstanceKey == "" {
		return nil, fmt.Errorf("config.keys.instance_key not set")
	}
	key, err := hex.DecodeString(c.Keys.InstanceKey)
	if err != nil {
		return nil, fmt.Errorf("invalid instance key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("instance key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// OutboxInterval returns the poll interval with the default applied.
func (c *Config) OutboxInterval() time.Duration {
	if c.Outbox.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Outbox.IntervalSeconds) * time.Second
}

// FreshnessWindow returns the signature freshness window with the
// default applied.
func (c *Config) FreshnessWindow() time.Duration {
	if c.Federation.FreshnessWindowSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Federation.FreshnessWindowSeconds) * time.Second
}

// Default returns the default Config for a new instance handle.
func Default(handle string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, handle))).Decode(&cfg)
	cfg.Keys.InstanceKey = newInstanceKey()
	return &cfg
}

func newInstanceKey() string {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("config: generating instance key: " + err.Error())
	}
	return hex.EncodeToString(key)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `instance:
  handle: %s
  domain: ""

topology: standalone

hub:
  url: ""

server:
  listen: ":8080"
  base_url: ""
  jwt_secret: ""

outbox:
  interval_seconds: 5
  batch_size: 20
  max_attempts: 5
  backoff_base_seconds: 10
  backoff_max_seconds: 3600
  sending_grace_seconds: 300

federation:
  freshness_window_seconds: 300
`
