package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir = "/etc/bytecache"
	defaultStateDir  = "/var/lib/bytecache"
	defaultSocket    = "/run/bytecache/bytecache.sock"

	configFileName = "bytecache.yaml"
	storeFileName  = "store.db"
)

type SigningConfig struct {
	// AllowUnsigned admits images that carry no signature.
	AllowUnsigned  bool   `yaml:"allow_unsigned"`
	PublicKey      string `yaml:"public_key"`
	IdentityRegexp string `yaml:"identity_regexp"`
	IssuerRegexp   string `yaml:"issuer_regexp"`
}

type ManagerConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type RegistryConfig struct {
	// Insecure allows plain HTTP registries.
	Insecure bool `yaml:"insecure"`
	// Platform is "os/arch[/variant]"; empty selects the host platform.
	Platform string `yaml:"platform"`
}

// ParsedPlatform returns nil when no platform is configured.
func (r RegistryConfig) ParsedPlatform() (*v1.Platform, error) {
	if r.Platform == "" {
		return nil, nil
	}
	p, err := v1.ParsePlatform(r.Platform)
	if err != nil {
		return nil, err
	}
	if p.OS == "" || p.Architecture == "" {
		return nil, fmt.Errorf("platform %q must be os/arch", r.Platform)
	}
	return p, nil
}

type ServerConfig struct {
	// Socket is a unix socket path or "vsock://<port>".
	Socket         string `yaml:"socket"`
	MetricsAddress string `yaml:"metrics_address"`
}

type Config struct {
	ConfigDir string `yaml:"-"`
	StateDir  string `yaml:"-"`

	LogLevel          string         `yaml:"log_level"`
	LogFormat         string         `yaml:"log_format"`
	Signing           SigningConfig  `yaml:"signing"`
	Manager           ManagerConfig  `yaml:"manager"`
	Registry          RegistryConfig `yaml:"registry"`
	Server            ServerConfig   `yaml:"server"`
	InactivityTimeout time.Duration  `yaml:"inactivity_timeout"`
}

// NewConfig returns the defaults with directories resolved from the
// environment.
func NewConfig() *Config {
	return &Config{
		ConfigDir: getDir("BYTECACHE_CONFIG_DIR", defaultConfigDir),
		StateDir:  getDir("BYTECACHE_STATE_DIR", defaultStateDir),
		LogLevel:  "info",
		LogFormat: "text",
		Signing: SigningConfig{
			AllowUnsigned: true,
		},
		Manager: ManagerConfig{
			QueueSize: 32,
		},
		Server: ServerConfig{
			Socket: defaultSocket,
		},
	}
}

func getDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return fallback
}

// Load reads <config dir>/bytecache.yaml over the defaults. A missing file
// is not an error.
func Load() (*Config, error) {
	c := NewConfig()
	if err := c.LoadFile(c.GetConfigFilePath()); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile overlays the values set in path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Manager.QueueSize <= 0 {
		return fmt.Errorf("manager.queue_size must be positive, got %d", c.Manager.QueueSize)
	}
	if c.InactivityTimeout < 0 {
		return fmt.Errorf("inactivity_timeout must not be negative, got %s", c.InactivityTimeout)
	}
	if _, err := c.Registry.ParsedPlatform(); err != nil {
		return fmt.Errorf("invalid registry.platform: %w", err)
	}
	return nil
}

func (c *Config) GetConfigFilePath() string {
	return filepath.Join(c.ConfigDir, configFileName)
}

func (c *Config) GetStorePath() string {
	return filepath.Join(c.StateDir, storeFileName)
}

func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.StateDir, 0755)
}
