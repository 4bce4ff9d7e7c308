package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BUILDCONSOLE_LISTEN.
const EnvPrefix = "BUILDCONSOLE"

// Console configures one keyed console and the process behind it.
type Console struct {
	Key             string   `mapstructure:"key"`
	Command         string   `mapstructure:"command"`
	Args            []string `mapstructure:"args"`
	Dir             string   `mapstructure:"dir"`
	Env             []string `mapstructure:"env"`
	Watch           []string `mapstructure:"watch"`
	RestartOnChange bool     `mapstructure:"restart_on_change"`
	Autostart       bool     `mapstructure:"autostart"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config holds server configuration.
type Config struct {
	Listen      string        `mapstructure:"listen"`
	Log         Log           `mapstructure:"log"`
	Metrics     Metrics       `mapstructure:"metrics"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	MailboxSize int           `mapstructure:"mailbox_size"`
	HistorySize int           `mapstructure:"history_size"`
	LockDir     string        `mapstructure:"lock_dir"`
	Consoles    []Console     `mapstructure:"consoles"`
}

// DefaultConsole is used when no console is configured: sbt in the working
// directory. Its build definition is watched but changes only restart it when
// restart_on_change is set.
var DefaultConsole = Console{
	Key:     "sbt",
	Command: "sbt",
	Watch:   []string{"build.sbt", "project"},
}

// Load reads configuration from cfgFile (or buildconsole.{yaml,toml,json} in
// the working directory or ~/.config/buildconsole), then applies .env and
// BUILDCONSOLE_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("buildconsole")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/buildconsole")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Consoles) == 0 {
		cfg.Consoles = []Console{DefaultConsole}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:8420")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("grace_period", 5*time.Second)
	v.SetDefault("mailbox_size", 1024)
	v.SetDefault("history_size", 1000)
	v.SetDefault("lock_dir", "")
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace_period must be positive, got %s", c.GracePeriod))
	}
	if c.MailboxSize <= 0 {
		errs = append(errs, fmt.Errorf("mailbox_size must be positive, got %d", c.MailboxSize))
	}
	if c.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("history_size must not be negative, got %d", c.HistorySize))
	}

	seen := make(map[string]bool, len(c.Consoles))
	for i, con := range c.Consoles {
		if con.Key == "" {
			errs = append(errs, fmt.Errorf("consoles[%d]: key is required", i))
			continue
		}
		if seen[con.Key] {
			errs = append(errs, fmt.Errorf("consoles[%d]: duplicate key %q", i, con.Key))
		}
		seen[con.Key] = true
		if con.Command == "" {
			errs = append(errs, fmt.Errorf("console %q: command is required", con.Key))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Console returns the console configured for key.
func (c *Config) Console(key string) (Console, bool) {
	for _, con := range c.Consoles {
		if con.Key == key {
			return con, true
		}
	}
	return Console{}, false
}
