package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mc.yml.
type Config struct {
	Storage struct {
		Path          string `yaml:"path"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
		MaxOpenConns  int    `yaml:"max_open_conns"`
	} `yaml:"storage"`
	Events struct {
		Retention int `yaml:"retention"`
	} `yaml:"events"`
	Snapshots struct {
		TTL  Duration `yaml:"ttl"`
		Keep int      `yaml:"keep"`
	} `yaml:"snapshots"`
	Approvals struct {
		RequireVersion bool   `yaml:"require_version"`
		SeedFile       string `yaml:"seed_file"`
	} `yaml:"approvals"`
	Server struct {
		Addr                string `yaml:"addr"`
		BasePath            string `yaml:"base_path"`
		JWTSecret           string `yaml:"jwt_secret"`
		AllowHeaderIdentity bool   `yaml:"allow_header_identity"`
	} `yaml:"server"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WebhookConfig describes one downstream receiver of committed events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Duration is a time.Duration that reads "30s" style strings from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with mc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("config.storage.busy_timeout_ms must not be negative")
	}
	if c.Storage.MaxOpenConns < 0 {
		return fmt.Errorf("config.storage.max_open_conns must not be negative")
	}
	if c.Events.Retention <= 0 {
		return fmt.Errorf("config.events.retention must be positive")
	}
	if c.Snapshots.TTL.Duration <= 0 {
		return fmt.Errorf("config.snapshots.ttl must be positive")
	}
	if c.Snapshots.Keep <= 0 {
		return fmt.Errorf("config.snapshots.keep must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// RolePermissions flattens rbac.roles into role -> permissions.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[strings.ToLower(id)] = append([]string(nil), role.Permissions...)
	}
	return out
}

// SeedFile resolves the legacy approvals seed path against the workspace.
func (c *Config) SeedFile(workspace string) string {
	p := c.Approvals.SeedFile
	if p == "" {
		p = filepath.Join("data", "approvals.json")
	}
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mc.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `storage:
  path: ""
  busy_timeout_ms: 5000
  max_open_conns: 4

events:
  retention: 200

snapshots:
  ttl: 30s
  keep: 50

approvals:
  require_version: false
  seed_file: data/approvals.json

server:
  addr: 127.0.0.1:8080
  base_path: /api
  jwt_secret: ""
  allow_header_identity: true

rbac:
  roles:
    owner:
      description: "Full control"
      permissions: [approvals.read, approvals.write, events.read, tasks.read, tasks.write]
    admin:
      description: "Operates the dashboard"
      permissions: [approvals.read, approvals.write, events.read, tasks.read, tasks.write]
    operator:
      description: "Decides approvals"
      permissions: [approvals.read, approvals.write, events.read, tasks.read, tasks.write]
    viewer:
      description: "Read only"
      permissions: [approvals.read, events.read, tasks.read]

webhooks: []
`
