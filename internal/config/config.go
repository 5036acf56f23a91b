// Package config loads executor settings from an optional YAML file and
// INFEREXEC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// INFEREXEC_CONFIG_PATH or INFEREXEC_TRACING_ENDPOINT.
const EnvPrefix = "INFEREXEC"

// Well-known locations of the confidential-computing worker.
const (
	DefaultConfigPath = "/execution_config"
	DefaultRootDir    = "/"
)

// Config holds executor settings.
type Config struct {
	ConfigPath    string        `mapstructure:"config_path" yaml:"config_path"`
	RootDir       string        `mapstructure:"root_dir" yaml:"root_dir"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`
	LogJSON       bool          `mapstructure:"log_json" yaml:"log_json"`
	MaxArenaBytes int64         `mapstructure:"max_arena_bytes" yaml:"max_arena_bytes"`
	MetricsFile   string        `mapstructure:"metrics_file" yaml:"metrics_file"`
	ReportFile    string        `mapstructure:"report_file" yaml:"report_file"`
	ServiceName   string        `mapstructure:"service_name" yaml:"service_name"`
	Tracing       TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig selects the OTLP exporter.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// SetDefaults installs the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("config_path", DefaultConfigPath)
	v.SetDefault("root_dir", DefaultRootDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("max_arena_bytes", 0)
	v.SetDefault("metrics_file", "")
	v.SetDefault("report_file", "")
	v.SetDefault("service_name", "inferexec")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// New returns a viper instance with defaults and environment binding.
// Settings files are read through fs.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if non-empty) into v and decodes the result. A missing
// explicit file is an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.ConfigPath == "" {
		errs = append(errs, errors.New("config_path must not be empty"))
	}
	if c.RootDir == "" {
		errs = append(errs, errors.New("root_dir must not be empty"))
	}
	if c.MaxArenaBytes < 0 {
		errs = append(errs, fmt.Errorf("max_arena_bytes must be >= 0, got %d", c.MaxArenaBytes))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}
