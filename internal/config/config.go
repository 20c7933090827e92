package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sunmeter.yml.
type Config struct {
	HTTP struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Jobs struct {
		Workers        int      `yaml:"workers"`
		LockTTL        Duration `yaml:"lock_ttl"`
		ResultTTL      Duration `yaml:"result_ttl"`
		SubmitDeadline Duration `yaml:"submit_deadline"`
	} `yaml:"jobs"`
	Stats struct {
		// Internal/test accounts excluded from fleet-wide reports.
		ExcludedClientIDs []int64 `yaml:"excluded_client_ids"`
	} `yaml:"stats"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "4h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config.http.addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config.redis.addr is required")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("config.jobs.workers must be positive")
	}
	if c.Jobs.LockTTL <= 0 {
		return fmt.Errorf("config.jobs.lock_ttl must be positive")
	}
	if c.Jobs.ResultTTL <= 0 {
		return fmt.Errorf("config.jobs.result_ttl must be positive")
	}
	if c.Jobs.ResultTTL < c.Jobs.LockTTL {
		return fmt.Errorf("config.jobs.result_ttl must not be shorter than lock_ttl")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sunmeter.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sunmeter config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `http:
  addr: 127.0.0.1:8080
  base_path: /api/v1

redis:
  addr: 127.0.0.1:6379
  db: 0

jobs:
  workers: 8
  # Dead-lock fallback: a period lock expires on its own if the release
  # continuation never runs (coordinator crash).
  lock_ttl: 4h
  # Result backend expiry; progress for a group is queryable this long
  # after submission.
  result_ttl: 24h
  submit_deadline: 10s

stats:
  excluded_client_ids: []

auth:
  jwt_secret: ""
`
