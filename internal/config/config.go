// Package config loads serialterm configuration from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	serial "github.com/luhtfiimanal/go-serial-lines"
)

// EnvPrefix prefixes environment overrides, e.g. SERIALTERM_SERIAL_DEVICE=/dev/ttyACM0.
const EnvPrefix = "SERIALTERM"

// Config is the root configuration of serialterm.
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Log    LogConfig    `mapstructure:"log"`
}

// SerialConfig mirrors serial.Config with file-friendly types.
type SerialConfig struct {
	Name        string        `mapstructure:"name"`
	Device      string        `mapstructure:"device"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	Encoding    string        `mapstructure:"encoding"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`
	// Rotation applies to file outputs
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Name:        serial.DefaultName,
			Device:      "/dev/ttyUSB0",
			BaudRate:    serial.DefaultBaudRate,
			ReadTimeout: serial.DefaultReadTimeout,
			Encoding:    string(serial.EncodingASCII),
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty) or from serialterm.{yaml,toml,json}
// in the working directory or ~/.serialterm, then applies SERIALTERM_* environment overrides.
// A missing search-path file is not an error; a missing explicit path is.
// Only the log section is validated; callers check Transport() after applying
// their own overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("serial.name", cfg.Serial.Name)
	v.SetDefault("serial.device", cfg.Serial.Device)
	v.SetDefault("serial.baud_rate", cfg.Serial.BaudRate)
	v.SetDefault("serial.read_timeout", cfg.Serial.ReadTimeout)
	v.SetDefault("serial.encoding", cfg.Serial.Encoding)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("serialterm")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".serialterm"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}

// Transport converts the serial section into a serial.Config.
func (c *Config) Transport() serial.Config {
	return serial.Config{
		Name:        c.Serial.Name,
		Device:      c.Serial.Device,
		BaudRate:    c.Serial.BaudRate,
		ReadTimeout: c.Serial.ReadTimeout,
		Encoding:    serial.Encoding(c.Serial.Encoding),
	}
}

// WriteYAML writes c as YAML. Durations are rendered in time.Duration notation.
func (c *Config) WriteYAML(w io.Writer) error {
	type serialYAML struct {
		Name        string `yaml:"name"`
		Device      string `yaml:"device"`
		BaudRate    int    `yaml:"baud_rate"`
		ReadTimeout string `yaml:"read_timeout"`
		Encoding    string `yaml:"encoding"`
	}
	out := struct {
		Serial serialYAML `yaml:"serial"`
		Log    LogConfig  `yaml:"log"`
	}{
		Serial: serialYAML{
			Name:        c.Serial.Name,
			Device:      c.Serial.Device,
			BaudRate:    c.Serial.BaudRate,
			ReadTimeout: c.Serial.ReadTimeout.String(),
			Encoding:    c.Serial.Encoding,
		},
		Log: c.Log,
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
