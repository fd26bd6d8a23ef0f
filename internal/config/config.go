package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/partest/internal/barrier"
	"github.com/loykin/partest/internal/env"
	"github.com/loykin/partest/internal/logger"
)

// EnvPrefix is prepended to every config key looked up in the environment,
// e.g. PARTEST_HISTORY_DSN for history.dsn.
const EnvPrefix = "PARTEST"

// Config represents the runner configuration. Worker coordination keys
// (PARALLEL_PID_FILE, TEST_ENV_NUMBER, ...) are not part of it; they travel
// between processes through the environment.
type Config struct {
	// Processors is the default worker count request, same syntax as the CLI argument.
	Processors   string        `toml:"processors" mapstructure:"processors" yaml:"processors"`
	PidDir       string        `toml:"pid_dir" mapstructure:"pid_dir" yaml:"pid_dir"`
	WaitInterval time.Duration `toml:"wait_interval" mapstructure:"wait_interval" yaml:"wait_interval"`
	DiagSignal   bool          `toml:"diag_signal" mapstructure:"diag_signal" yaml:"diag_signal"`

	// Env, EnvFiles and UseOSEnv build the base environment of spawned workers.
	Env      []string `toml:"env" mapstructure:"env" yaml:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files" yaml:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env" yaml:"use_os_env"`

	History HistoryConfig `toml:"history" mapstructure:"history" yaml:"history"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics" yaml:"metrics"`
	Server  ServerConfig  `toml:"server" mapstructure:"server" yaml:"server"`
	Log     logger.Config `toml:"log" mapstructure:"log" yaml:"log"`
}

type HistoryConfig struct {
	// DSN selects the sink; empty disables history.
	DSN string `toml:"dsn" mapstructure:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen" yaml:"listen"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen" yaml:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path" yaml:"base_path"`
	TLS      *TLSConfig `toml:"tls" mapstructure:"tls" yaml:"tls,omitempty"`
}

// TLSConfig serves the HTTP API over TLS. Either CertFile/KeyFile or Dir
// must be set; with AutoGenerate a self-signed pair is written to Dir when
// missing.
type TLSConfig struct {
	Enabled      bool       `toml:"enabled" mapstructure:"enabled" yaml:"enabled"`
	CertFile     string     `toml:"cert_file" mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile      string     `toml:"key_file" mapstructure:"key_file" yaml:"key_file,omitempty"`
	Dir          string     `toml:"dir" mapstructure:"dir" yaml:"dir,omitempty"`
	AutoGenerate bool       `toml:"auto_generate" mapstructure:"auto_generate" yaml:"auto_generate"`
	MinVersion   string     `toml:"min_version" mapstructure:"min_version" yaml:"min_version,omitempty"`
	MaxVersion   string     `toml:"max_version" mapstructure:"max_version" yaml:"max_version,omitempty"`
	AutoGen      AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen" yaml:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name" yaml:"common_name,omitempty"`
	Organization string   `toml:"organization" mapstructure:"organization" yaml:"organization,omitempty"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names" yaml:"dns_names,omitempty"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses" yaml:"ip_addresses,omitempty"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days" yaml:"valid_days,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("processors", "")
	v.SetDefault("pid_dir", "")
	v.SetDefault("wait_interval", barrier.DefaultInterval)
	v.SetDefault("diag_signal", true)
	v.SetDefault("use_os_env", true)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.timestamps", false)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

// Load reads path (TOML, optional when empty) and overlays PARTEST_*
// environment variables on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = barrier.DefaultInterval
	}
	return &c, nil
}

// WorkerEnv builds the base environment of spawned workers. The OS
// environment (when use_os_env is set) comes first, then env_files in
// order, then the env list.
func (c *Config) WorkerEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.FromList(nil)
	}
	for _, p := range c.EnvFiles {
		pairs, err := readEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e.Apply(pairs)
	}
	e.Apply(c.Env)
	return e, nil
}

// readEnvFile reads dotenv-style KEY=VALUE lines. Blank lines and # comments
// are skipped, an "export " prefix is allowed and matching outer quotes are
// stripped from the value.
func readEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", n+1)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out = append(out, strings.TrimSpace(k)+"="+v)
	}
	return out, nil
}
