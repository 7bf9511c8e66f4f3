// Package config loads config.yaml with viper, overlays SOURCEBOT_* environment
// variables and keeps the result current while the file changes.
package config

import (
	"sourcebot/core/auth"
	"sourcebot/core/logger"

	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override, e.g. SOURCEBOT_COMMANDS_PREFIX.
	EnvPrefix = "SOURCEBOT"
	// FileName is the config file looked up in the search paths, without extension.
	FileName = "config"
	// DefaultFile is where config init writes the example config.
	DefaultFile = "config.yaml"

	moduleDefaultsFile = "default-config.yaml"
)

// SearchPaths are the directories searched for config.yaml, in order.
var SearchPaths = []string{".", "./configs", "/etc/sourcebot"}

// Config holds the application's configuration settings.
type Config struct {
	Environment  string         `mapstructure:"environment"`
	GlobalAdmins []string       `mapstructure:"global-admins"`
	Commands     CommandsConfig `mapstructure:"commands"`
	Store        StoreConfig    `mapstructure:"store"`
	Modules      ModulesConfig  `mapstructure:"modules"`
	Gateways     GatewayConfigs `mapstructure:"gateways"`
	Auth         AuthConfig     `mapstructure:"auth"`
	Alert        AlertConfig    `mapstructure:"alert"`
	Log          LogConfig      `mapstructure:"log"`
	Metrics      MetricsConfig  `mapstructure:"metrics"`
	Timeouts     TimeoutsConfig `mapstructure:"timeouts"`

	watch *watcher
}

// CommandsConfig drives the command dispatcher.
type CommandsConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	DeleteAfter    time.Duration `mapstructure:"delete-after"` // 0 keeps messages
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue-size"`
	HandlerTimeout time.Duration `mapstructure:"handler-timeout"`
	RateLimit      float64       `mapstructure:"rate-limit"` // commands per second per user, 0 disables
	RateBurst      int           `mapstructure:"rate-burst"`
}

// StoreConfig selects the permission store. See store.Open for DSN forms.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ModulesConfig locates module descriptors and holds per-module overrides.
type ModulesConfig struct {
	Directory      string                    `mapstructure:"directory"`
	CacheDirectory string                    `mapstructure:"cache-directory"`
	Config         map[string]map[string]any `mapstructure:"config"`
}

// AuthConfig holds the roles seeded into the store on startup.
type AuthConfig struct {
	Roles []auth.Role `mapstructure:"roles"`
}

type AlertConfig struct {
	Footer string `mapstructure:"footer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"` // empty disables the endpoint
}

// TimeoutsConfig holds timeout settings for various operations.
type TimeoutsConfig struct {
	ModuleOperation int `mapstructure:"module_operation_seconds"`
	Shutdown        int `mapstructure:"shutdown_seconds"`
}

// ModuleOperationTimeout is the bound on a single module lifecycle hook.
func (c *Config) ModuleOperationTimeout() time.Duration {
	return time.Duration(c.Timeouts.ModuleOperation) * time.Second
}

// ShutdownTimeout bounds the whole shutdown sequence.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Timeouts.Shutdown) * time.Second
}

// ModuleConfig returns the operator's overrides for one module, or nil.
func (c *Config) ModuleConfig(name string) map[string]any {
	return c.Modules.Config[strings.ToLower(name)]
}

// GatewayConfigs maps a gateway name to its settings.
type GatewayConfigs map[string]map[string]any

// GatewayConfig returns the settings of one gateway, or nil.
func (c *Config) GatewayConfig(name string) map[string]any {
	return c.Gateways[strings.ToLower(name)]
}

// File is the config file that was read, or "" when running on defaults.
func (c *Config) File() string {
	if c.watch == nil {
		return ""
	}
	return c.watch.v.ConfigFileUsed()
}

// Options controls Load.
type Options struct {
	// File is an explicit config file. When empty, FileName is searched in Paths.
	File string
	// Paths overrides SearchPaths.
	Paths  []string
	Logger *zap.Logger
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("global-admins", []string{})
	v.SetDefault("commands.prefix", "!")
	v.SetDefault("commands.delete-after", "0s")
	v.SetDefault("commands.workers", 4)
	v.SetDefault("commands.queue-size", 64)
	v.SetDefault("commands.handler-timeout", "30s")
	v.SetDefault("commands.rate-limit", 0)
	v.SetDefault("commands.rate-burst", 3)
	v.SetDefault("store.dsn", "file://permissions.json")
	v.SetDefault("modules.directory", "modules")
	v.SetDefault("modules.cache-directory", "")
	v.SetDefault("alert.footer", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.address", "")
	v.SetDefault("timeouts.module_operation_seconds", 30)
	v.SetDefault("timeouts.shutdown_seconds", 15)
}

// Load reads the configuration. A missing config file is not an error: defaults
// and environment variables apply. The result is validated.
func Load(opts Options) (*Config, error) {
	log := logger.OrNop(opts.Logger).Named("config")
	v := viper.New()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		paths := opts.Paths
		if paths == nil {
			paths = SearchPaths
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info("Config file not found, using defaults and environment variables")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := LoadModuleDefaults(cfg, cfg.Modules.Directory); err != nil {
		log.Warn("Failed to load module defaults", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.watch = &watcher{v: v, logger: log}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Modules.Config == nil {
		cfg.Modules.Config = make(map[string]map[string]any)
	}
	return &cfg, nil
}

// watcher re-reads the file on change and notifies hooks with the new config.
type watcher struct {
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.Mutex
	hooks   []func(*Config)
	started bool
}

// OnChange registers hook to receive every valid configuration read after a file
// change. Invalid edits are logged and skipped.
func (c *Config) OnChange(hook func(*Config)) {
	if c.watch == nil {
		return
	}
	c.watch.mu.Lock()
	defer c.watch.mu.Unlock()
	c.watch.hooks = append(c.watch.hooks, hook)
}

// Watch starts watching the config file. It is a no-op without a file.
func (c *Config) Watch() {
	w := c.watch
	if w == nil || w.v.ConfigFileUsed() == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.v.OnConfigChange(func(e fsnotify.Event) { w.reload(e.Name) })
	w.v.WatchConfig()
}

func (w *watcher) reload(file string) {
	w.logger.Info("Config file changed", zap.String("file", file))
	cfg, err := decode(w.v)
	if err == nil {
		if derr := LoadModuleDefaults(cfg, cfg.Modules.Directory); derr != nil {
			w.logger.Warn("Failed to load module defaults", zap.Error(derr))
		}
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Error("Ignoring invalid config change", zap.Error(err))
		return
	}
	cfg.watch = w

	w.mu.Lock()
	hooks := append([]func(*Config)(nil), w.hooks...)
	w.mu.Unlock()
	for _, hook := range hooks {
		hook(cfg)
	}
}

// LoadModuleDefaults merges <modulesDir>/<module>/configs/default-config.yaml into
// cfg.Modules.Config. Values the operator set win. A missing directory is not an error.
func LoadModuleDefaults(cfg *Config, modulesDir string) error {
	if cfg.Modules.Config == nil {
		cfg.Modules.Config = make(map[string]map[string]any)
	}
	if modulesDir == "" {
		return nil
	}
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read modules directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		module := strings.ToLower(entry.Name())
		data, err := os.ReadFile(filepath.Join(modulesDir, entry.Name(), "configs", moduleDefaultsFile))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("module %s defaults: %w", module, err))
			}
			continue
		}
		var defaults map[string]any
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			errs = append(errs, fmt.Errorf("module %s defaults: %w", module, err))
			continue
		}
		if existing, ok := cfg.Modules.Config[module]; ok {
			mergeModuleConfig(existing, defaults)
		} else if defaults != nil {
			cfg.Modules.Config[module] = defaults
		}
	}
	return errors.Join(errs...)
}

// mergeModuleConfig adds defaults the user hasn't set.
func mergeModuleConfig(existing, defaults map[string]any) {
	for key, value := range defaults {
		if _, ok := existing[strings.ToLower(key)]; !ok {
			existing[strings.ToLower(key)] = value
		}
	}
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	cmd := c.Commands
	if cmd.Prefix == "" || strings.ContainsAny(cmd.Prefix, " \t\r\n") {
		errs = append(errs, fmt.Errorf("commands.prefix must be non-empty without whitespace, got %q", cmd.Prefix))
	}
	if cmd.DeleteAfter < 0 {
		errs = append(errs, fmt.Errorf("commands.delete-after must not be negative"))
	}
	if cmd.Workers < 1 {
		errs = append(errs, fmt.Errorf("commands.workers must be at least 1, got %d", cmd.Workers))
	}
	if cmd.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("commands.queue-size must be at least 1, got %d", cmd.QueueSize))
	}
	if cmd.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("commands.handler-timeout must be positive"))
	}
	if cmd.RateLimit < 0 || cmd.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("commands.rate-limit and commands.rate-burst must not be negative"))
	}
	if cmd.RateLimit > 0 && cmd.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("commands.rate-burst must be at least 1 when rate limiting"))
	}

	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if strings.TrimSpace(c.Modules.Directory) == "" {
		errs = append(errs, errors.New("modules.directory is required"))
	}
	for i, role := range c.Auth.Roles {
		if strings.TrimSpace(role.ID) == "" {
			errs = append(errs, fmt.Errorf("auth.roles[%d]: missing id", i))
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Timeouts.ModuleOperation <= 0 || c.Timeouts.Shutdown <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}
