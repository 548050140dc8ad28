package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full runner configuration. Values come from the config file
// ($HOME/.trellisrun/config.yaml unless overridden) with TRELLISRUN_*
// environment overrides. Credentials are NOT configuration: they live in the
// secrets bundle and are never written to disk.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Work     WorkConfig     `mapstructure:"work" yaml:"work"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Chain    ChainConfig    `mapstructure:"chain" yaml:"chain"`
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// WorkConfig describes the bounded work unit. When Command is empty the
// runner uses the in-process generation pipeline instead of an external
// script.
type WorkConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Budget  time.Duration `mapstructure:"budget" yaml:"budget"`
	Grace   time.Duration `mapstructure:"grace" yaml:"grace"`
	Limit   int           `mapstructure:"limit" yaml:"limit"` // max items per run, 0 = until budget
}

type DispatchConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Ref      string `mapstructure:"ref" yaml:"ref"`
}

type ChainConfig struct {
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
}

type LedgerConfig struct {
	Path     string        `mapstructure:"path" yaml:"path"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// StorageConfig points at the S3-compatible object store for generated
// models. The access key is identity, not a secret; the secret key comes
// from the credentials bundle.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", JSON: false},
		Work: WorkConfig{
			Budget: 5*time.Hour + 30*time.Minute,
			Grace:  30 * time.Second,
		},
		Dispatch: DispatchConfig{Ref: "main"},
		Chain:    ChainConfig{MaxSteps: 20},
		Ledger: LedgerConfig{
			Path:     defaultLedgerPath(),
			LeaseTTL: 6 * time.Hour,
		},
		Storage: StorageConfig{Bucket: "zuo-generated", UseSSL: true},
		Metrics: MetricsConfig{Enabled: false, Listen: ":9105"},
	}
}

// Load reads the configuration, merging file and environment over defaults.
// A missing config file is not an error; a malformed one is.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", def.Log.JSON)
	v.SetDefault("work.command", def.Work.Command)
	v.SetDefault("work.args", def.Work.Args)
	v.SetDefault("work.budget", def.Work.Budget)
	v.SetDefault("work.grace", def.Work.Grace)
	v.SetDefault("work.limit", def.Work.Limit)
	v.SetDefault("dispatch.endpoint", def.Dispatch.Endpoint)
	v.SetDefault("dispatch.ref", def.Dispatch.Ref)
	v.SetDefault("chain.max_steps", def.Chain.MaxSteps)
	v.SetDefault("ledger.path", def.Ledger.Path)
	v.SetDefault("ledger.lease_ttl", def.Ledger.LeaseTTL)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("storage.endpoint", def.Storage.Endpoint)
	v.SetDefault("storage.access_key", def.Storage.AccessKey)
	v.SetDefault("storage.bucket", def.Storage.Bucket)
	v.SetDefault("storage.use_ssl", def.Storage.UseSSL)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen", def.Metrics.Listen)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".trellisrun"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TRELLISRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// YAML renders a configuration as a YAML document.
func YAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// DefaultYAML renders the default configuration as a YAML document, used by
// `trellisrun config init`.
func DefaultYAML() ([]byte, error) {
	return YAML(Default())
}

// WriteDefault writes the default config file, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := DefaultYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func defaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "trellisrun.db"
	}
	return filepath.Join(home, ".trellisrun", "ledger.db")
}
