// Package config loads the server configuration from a YAML file with
// environment overrides. A .env file in the working directory is
// honored the same way plain environment variables are.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crispy1989/tightcnc/grbl"
)

// Config is the on-disk configuration shape.
type Config struct {
	// Controller selects the backend: "grbl" (local serial) or "spjs".
	Controller string `yaml:"controller"`

	Grbl GrblConfig `yaml:"grbl"`
	SPJS SPJSConfig `yaml:"spjs"`
	Log  LogConfig  `yaml:"log"`
}

// GrblConfig configures the grbl serial backend.
type GrblConfig struct {
	Device           string  `yaml:"device"`
	Baud             int     `yaml:"baud"`
	StatusIntervalMS int     `yaml:"statusIntervalMs"`
	JogFeed          float64 `yaml:"jogFeed"`
	ProbeFeed        float64 `yaml:"probeFeed"`
}

// Backend converts the on-disk shape into the backend's configuration.
func (g GrblConfig) Backend() grbl.Config {
	return grbl.Config{
		Device:         g.Device,
		Baud:           g.Baud,
		StatusInterval: time.Duration(g.StatusIntervalMS) * time.Millisecond,
		JogFeed:        g.JogFeed,
		ProbeFeed:      g.ProbeFeed,
	}
}

// SPJSConfig configures the Serial Port JSON Server backend. The port is
// matched by USB VID/PID when both are set, otherwise by device name.
type SPJSConfig struct {
	URL    string `yaml:"url"`
	VID    string `yaml:"vid"`
	PID    string `yaml:"pid"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration file at path (optional), then applies
// environment overrides. Defaults are filled first so a missing file and
// empty environment still produce a usable configuration.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Controller: "grbl",
		Grbl: GrblConfig{
			Device: "/dev/ttyUSB0",
			Baud:   115200,
		},
		SPJS: SPJSConfig{
			URL:  "ws://localhost:8989/ws",
			Baud: 115200,
		},
		Log: LogConfig{Level: "info"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Controller = getEnv("TIGHTCNC_CONTROLLER", cfg.Controller)
	cfg.Grbl.Device = getEnv("TIGHTCNC_DEVICE", cfg.Grbl.Device)
	cfg.Grbl.Baud = getEnvInt("TIGHTCNC_BAUD", cfg.Grbl.Baud)
	cfg.SPJS.URL = getEnv("TIGHTCNC_SPJS_URL", cfg.SPJS.URL)
	cfg.Log.Level = getEnv("TIGHTCNC_LOG_LEVEL", cfg.Log.Level)

	return cfg, nil
}

// Logger builds a zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = level
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
