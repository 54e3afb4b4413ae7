// Package config loads server configuration.
//
// Settings come from an optional TOML file and CORAL_ prefixed environment
// variables, with env taking precedence. Keys are dotted, e.g. network.bind_port
// is overridden by CORAL_NETWORK_BIND_PORT.
package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/hupe1980/coralmesh/logging"
)

const (
	envPrefix  = "CORAL"
	configName = "config"
	configType = "toml"
	configDir  = ".coral"
)

// Config is the server configuration.
type Config struct {
	Network      NetworkConfig      `mapstructure:"network"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Applications ApplicationsConfig `mapstructure:"applications"`
	Log          LogConfig          `mapstructure:"log"`
	Session      SessionConfig      `mapstructure:"session"`
	API          APIConfig          `mapstructure:"api"`
}

// NetworkConfig configures the HTTP listener.
type NetworkConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	// ExternalAddress is the host other servers reach this one by, without
	// port. Defaults to BindAddress.
	ExternalAddress string `mapstructure:"external_address"`
	BindPort        int    `mapstructure:"bind_port"`
}

// DockerConfig configures the docker runtime.
type DockerConfig struct {
	// Socket is the docker host, e.g. unix:///var/run/docker.sock. The docker
	// client's environment defaults apply when empty.
	Socket string `mapstructure:"socket"`
	// Address reaches the host from inside a container.
	Address         string        `mapstructure:"address"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout"`
}

// PaymentConfig configures paid agents.
type PaymentConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WalletPath string `mapstructure:"wallet_path"`
}

// RegistryConfig locates the agent registry.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// ApplicationsConfig locates the application list. Session access is not
// restricted when Path is empty.
type ApplicationsConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig configures local sessions.
type SessionConfig struct {
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// BarrierTimeout bounds how long a connecting agent waits for its group.
	BarrierTimeout time.Duration `mapstructure:"barrier_timeout"`
	// DevMode creates sessions on first connect.
	DevMode bool `mapstructure:"dev_mode"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	ClaimRateLimit float64       `mapstructure:"claim_rate_limit"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

func homeDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, configDir)
	}
	return configDir
}

func setDefaults(v *viper.Viper) {
	home := homeDir()

	v.SetDefault("network.bind_address", "0.0.0.0")
	v.SetDefault("network.external_address", "")
	v.SetDefault("network.bind_port", 5555)

	v.SetDefault("docker.socket", "")
	v.SetDefault("docker.address", "host.docker.internal")
	v.SetDefault("docker.response_timeout", 30*time.Second)
	v.SetDefault("docker.kill_timeout", 30*time.Second)

	v.SetDefault("payment.enabled", false)
	v.SetDefault("payment.wallet_path", filepath.Join(home, "wallet.toml"))

	v.SetDefault("registry.path", "registry.toml")
	v.SetDefault("applications.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("session.wait_timeout", 10*time.Second)
	v.SetDefault("session.barrier_timeout", time.Minute)
	v.SetDefault("session.dev_mode", false)

	v.SetDefault("api.claim_rate_limit", 1.0)
	v.SetDefault("api.keep_alive", 15*time.Second)
}

// Load reads the configuration. An explicit path must exist; without one a
// config.toml is looked up in the working directory and ~/.coral, and its
// absence is not an error.
func Load(path string) (*Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper is Load on a caller provided viper instance, e.g. one with bound
// command line flags.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(homeDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, pkgerrors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, pkgerrors.Wrap(err, "decode config")
	}
	if cfg.Network.ExternalAddress == "" {
		cfg.Network.ExternalAddress = cfg.Network.BindAddress
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Network.BindPort <= 0 || c.Network.BindPort > 65535 {
		return pkgerrors.Errorf("network.bind_port %d out of range", c.Network.BindPort)
	}
	if c.Session.WaitTimeout <= 0 {
		return pkgerrors.New("session.wait_timeout must be positive")
	}
	if c.Session.BarrierTimeout <= 0 {
		return pkgerrors.New("session.barrier_timeout must be positive")
	}
	if c.API.ClaimRateLimit < 0 {
		return pkgerrors.New("api.claim_rate_limit must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return pkgerrors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return pkgerrors.Errorf("log.format %q is neither json nor text", c.Log.Format)
	}
	return nil
}

// Logger builds the configured logger writing to out.
func (c *Config) Logger(out io.Writer) *logging.MeshLogger {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    c.Log.Format,
		Output:    out,
		Component: "coralmesh",
	})
}

// Wallet loads the configured wallet. Payments stay off when it is disabled
// or cannot be read; the latter is logged as a warning.
func (c *Config) Wallet(logger logging.Logger) *Wallet {
	if !c.Payment.Enabled {
		return nil
	}
	w, err := LoadWallet(c.Payment.WalletPath)
	if err != nil {
		logger.Warn("config.wallet.unavailable", "path", c.Payment.WalletPath, "error", err.Error())
		return nil
	}
	return w
}
