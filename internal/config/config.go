package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "jsbridge.db"
	defaultCapacity      = 32
	defaultEngine        = "goja"
	defaultMaxErrorBytes = 2048
	defaultWireNetwork   = "unix"
	defaultWireAddr      = "jsbridge.sock"

	envListenAddr    = "JSBRIDGE_LISTEN_ADDR"
	envDBPath        = "JSBRIDGE_DB_PATH"
	envLogLevel      = "JSBRIDGE_LOG_LEVEL"
	envCapacity      = "JSBRIDGE_CAPACITY"
	envEngine        = "JSBRIDGE_ENGINE"
	envMaxErrorBytes = "JSBRIDGE_MAX_ERROR_BYTES"
	envWireNetwork   = "JSBRIDGE_WIRE_NETWORK"
	envWireAddr      = "JSBRIDGE_WIRE_ADDR"
	envJournal       = "JSBRIDGE_JOURNAL"
)

// Config holds application configuration.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	Capacity      int
	Engine        string
	MaxErrorBytes int
	WireNetwork   string
	WireAddr      string
	Journal       bool
}

// fileConfig is the YAML shape. Unset keys keep their defaults.
type fileConfig struct {
	ListenAddr    *string `yaml:"listen_addr"`
	DBPath        *string `yaml:"db_path"`
	LogLevel      *string `yaml:"log_level"`
	Capacity      *int    `yaml:"capacity"`
	Engine        *string `yaml:"engine"`
	MaxErrorBytes *int    `yaml:"max_error_bytes"`
	Wire          struct {
		Network *string `yaml:"network"`
		Addr    *string `yaml:"addr"`
	} `yaml:"wire"`
	Journal *bool `yaml:"journal"`
}

func defaults() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		Capacity:      defaultCapacity,
		Engine:        defaultEngine,
		MaxErrorBytes: defaultMaxErrorBytes,
		WireNetwork:   defaultWireNetwork,
		WireAddr:      defaultWireAddr,
		Journal:       true,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.applyFile(fc)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(fc fileConfig) {
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.DBPath, fc.DBPath)
	if fc.LogLevel != nil {
		c.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	if fc.Capacity != nil && *fc.Capacity > 0 {
		c.Capacity = *fc.Capacity
	}
	setString(&c.Engine, fc.Engine)
	if fc.MaxErrorBytes != nil && *fc.MaxErrorBytes >= 0 {
		c.MaxErrorBytes = *fc.MaxErrorBytes
	}
	setString(&c.WireNetwork, fc.Wire.Network)
	setString(&c.WireAddr, fc.Wire.Addr)
	if fc.Journal != nil {
		c.Journal = *fc.Journal
	}
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCapacity); v != "" {
		c.Capacity = parsePositive(v, c.Capacity)
	}
	if v := os.Getenv(envEngine); v != "" {
		c.Engine = v
	}
	if v := os.Getenv(envMaxErrorBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxErrorBytes = n
		}
	}
	if v := os.Getenv(envWireNetwork); v != "" {
		c.WireNetwork = v
	}
	if v := os.Getenv(envWireAddr); v != "" {
		c.WireAddr = v
	}
	if v := os.Getenv(envJournal); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Journal = b
		}
	}
}

func parsePositive(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
