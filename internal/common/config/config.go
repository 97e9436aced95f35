// Package config provides configuration management for the deepforge worker.
// It supports loading configuration from command-line flags, environment
// variables, an optional config file and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
)

// EnvPrefix is the prefix of every environment variable read by the worker,
// e.g. DEEPFORGE_WORKER_SERVER_URL.
const EnvPrefix = "DEEPFORGE_WORKER"

// Config holds all configuration sections for the worker.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Workspace WorkspaceConfig      `mapstructure:"workspace"`
	Process   ProcessConfig        `mapstructure:"process"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Status    StatusConfig         `mapstructure:"status"`
	Storage   StorageConfig        `mapstructure:"storage"`
}

// ServerConfig describes the controller the worker connects to.
type ServerConfig struct {
	// URL is the controller websocket endpoint (ws:// or wss://).
	URL string `mapstructure:"url"`
	// DialTimeout is the handshake timeout in seconds.
	DialTimeout int `mapstructure:"dialTimeout"`
}

// WorkerConfig identifies this worker to the controller.
type WorkerConfig struct {
	ID string `mapstructure:"id"`
}

// WorkspaceConfig holds the containment boundary for file operations.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// ProcessConfig holds subprocess supervision settings.
type ProcessConfig struct {
	// KillGracePeriod is the SIGTERM -> SIGKILL delay in seconds.
	KillGracePeriod int `mapstructure:"killGracePeriod"`
}

// StatusConfig controls the local HTTP status API.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// StorageConfig holds per-backend default configuration. Values given by the
// controller in an artifact message take precedence over these.
type StorageConfig struct {
	Backends map[string]map[string]interface{} `mapstructure:"backends"`
}

// DialTimeoutDuration returns the dial timeout as a time.Duration.
func (s *ServerConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(s.DialTimeout) * time.Second
}

// KillGracePeriodDuration returns the kill grace period as a time.Duration.
func (p *ProcessConfig) KillGracePeriodDuration() time.Duration {
	return time.Duration(p.KillGracePeriod) * time.Second
}

// Addr returns the listen address of the status API.
func (s *StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.dialTimeout", 30)

	v.SetDefault("worker.id", "")

	v.SetDefault("workspace.root", "")

	v.SetDefault("process.killGracePeriod", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 9998)

	v.SetDefault("storage.backends", map[string]interface{}{})
}

// RegisterFlags adds the worker's command-line flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "directory containing worker.yaml")
	fs.String("url", "", "controller websocket URL")
	fs.String("id", "", "worker identifier sent during the handshake")
	fs.String("workspace", "", "workspace root for file operations")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("status", false, "enable the local status API")
}

// Load reads configuration from the given flag set (may be nil), environment
// variables, config file and defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE variables.
	_ = v.BindEnv("server.dialTimeout", EnvPrefix+"_SERVER_DIAL_TIMEOUT")
	_ = v.BindEnv("process.killGracePeriod", EnvPrefix+"_PROCESS_KILL_GRACE_PERIOD")
	_ = v.BindEnv("logging.outputPath", EnvPrefix+"_LOGGING_OUTPUT_PATH")

	configPath := ""
	if fs != nil {
		bindFlag(v, fs, "server.url", "url")
		bindFlag(v, fs, "worker.id", "id")
		bindFlag(v, fs, "workspace.root", "workspace")
		bindFlag(v, fs, "logging.level", "log-level")
		bindFlag(v, fs, "status.enabled", "status")
		if f := fs.Lookup("config"); f != nil {
			configPath = f.Value.String()
		}
	}

	v.SetConfigName("worker")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.deepforge")
	}
	v.AddConfigPath("/etc/deepforge/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := applyDerived(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindFlag binds a flag only when it exists in the set, so callers may pass
// partial flag sets.
func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) {
	if f := fs.Lookup(name); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

// defaultWorkspaceRoot is the directory holding the worker binary, or the
// working directory when the binary path is unknown.
func defaultWorkspaceRoot() (string, error) {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		return filepath.Dir(exe), nil
	}
	return os.Getwd()
}

// applyDerived fills values that depend on the runtime environment.
func applyDerived(cfg *Config) error {
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = uuid.New().String()
	}
	if cfg.Workspace.Root == "" {
		root, err := defaultWorkspaceRoot()
		if err != nil {
			return fmt.Errorf("failed to resolve workspace root: %w", err)
		}
		cfg.Workspace.Root = root
	}
	if cfg.Storage.Backends == nil {
		cfg.Storage.Backends = map[string]map[string]interface{}{}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(cfg.Server.URL, "ws://") && !strings.HasPrefix(cfg.Server.URL, "wss://") {
		return fmt.Errorf("server.url must use ws:// or wss://, got %q", cfg.Server.URL)
	}
	if cfg.Server.DialTimeout <= 0 {
		return errors.New("server.dialTimeout must be positive")
	}
	if cfg.Process.KillGracePeriod < 0 {
		return errors.New("process.killGracePeriod must not be negative")
	}
	if cfg.Status.Enabled && (cfg.Status.Port <= 0 || cfg.Status.Port > 65535) {
		return fmt.Errorf("status.port out of range: %d", cfg.Status.Port)
	}
	return nil
}
