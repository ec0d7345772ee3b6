// Package config loads application settings from a JSON file with
// environment overrides, and watches the file for live edits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server holds the HTTP and WebSocket listener settings.
type Server struct {
	Port        int    `mapstructure:"port"`
	StaticDir   string `mapstructure:"static_dir"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

// Terminal holds shell process settings.
type Terminal struct {
	ShellPath      string `mapstructure:"shell_path"`
	WorkingDir     string `mapstructure:"working_dir"`
	SettleDelayMs  int    `mapstructure:"settle_delay_ms"`
	QueryTimeoutMs int    `mapstructure:"query_timeout_ms"`
	FontSize       int    `mapstructure:"font_size"`
}

// API holds the chat assistant settings.
type API struct {
	APIKey         string  `mapstructure:"api_key"`
	APIURL         string  `mapstructure:"api_url"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Search holds command catalog query settings.
type Search struct {
	Limit int `mapstructure:"limit"`
}

// Database holds the catalog storage settings.
type Database struct {
	Path string `mapstructure:"path"`
}

// Logging holds log output settings.
type Logging struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Config is the full application configuration.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Terminal Terminal `mapstructure:"terminal"`
	API      API      `mapstructure:"api"`
	Search   Search   `mapstructure:"search"`
	Database Database `mapstructure:"database"`
	Logging  Logging  `mapstructure:"logging"`

	file string
}

// Load reads configuration from the given file path. An empty path searches
// for config.json in ./config and the current directory. A missing file is
// not an error; defaults and environment variables still apply. Environment
// variables use the SHELLPAD prefix, e.g. SHELLPAD_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SHELLPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.file = v.ConfigFileUsed()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.static_dir", "web")
	v.SetDefault("server.max_sessions", 8)

	v.SetDefault("terminal.settle_delay_ms", 300)
	v.SetDefault("terminal.query_timeout_ms", 1500)
	v.SetDefault("terminal.font_size", 14)

	v.SetDefault("api.api_url", "https://api.openai.com/v1")
	v.SetDefault("api.model", "gpt-4o-mini")
	v.SetDefault("api.temperature", 0.7)
	v.SetDefault("api.max_tokens", 2000)
	v.SetDefault("api.timeout_seconds", 60)

	v.SetDefault("search.limit", 50)

	v.SetDefault("database.path", "data/commands.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// File returns the config file path actually read, or empty when no file
// was found.
func (c *Config) File() string {
	return c.file
}

// SettleDelay returns the terminal output settle delay as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Terminal.SettleDelayMs) * time.Millisecond
}

// QueryTimeout returns the directory query timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Terminal.QueryTimeoutMs) * time.Millisecond
}

// APITimeout returns the assistant request timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}
