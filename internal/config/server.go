// Package config resolves the gateway configuration from built-in defaults,
// a YAML file, environment variables and command line flags, in that order.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceTypeConfig declares a device type and the endpoints assumed for
// devices of that type that declare none.
type DeviceTypeConfig struct {
	Name      string           `yaml:"name"`
	Endpoints []map[string]any `yaml:"endpoints"`
}

// ServerConfig holds configuration for the gateway.
type ServerConfig struct {
	Port               int                `yaml:"port"`
	MetricsAddr        string             `yaml:"metrics_addr"`
	APIKey             string             `yaml:"api_key"`
	ClientKey          string             `yaml:"client_key"`
	AllowedOrigins     []string           `yaml:"allowed_origins"`
	ConfigFile         string             `yaml:"-"`
	LogLevel           string             `yaml:"log_level"`
	LogFormat          string             `yaml:"log_format"`
	RedisAddr          string             `yaml:"redis_addr"`
	DrainTimeout       time.Duration      `yaml:"drain_timeout"`
	RateLimitPerMinute int                `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int                `yaml:"rate_limit_burst"`
	MaxFrameBytes      int64              `yaml:"max_frame_bytes"`
	RequireKnownType   bool               `yaml:"require_known_type"`
	DeviceTypes        []DeviceTypeConfig `yaml:"device_types"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 600
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 60
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("devgate.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitPerMinute = n
		}
	}
	if v := GetEnv("RATE_LIMIT_BURST", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitBurst = n
		}
	}
	if v := GetEnv("MAX_FRAME_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxFrameBytes = n
		}
	}
	if v := GetEnv("REQUIRE_KNOWN_TYPE", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RequireKnownType = b
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the API and device connections")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for HTTP requests; leave empty to disable auth")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key devices must present when connecting")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the device directory and server state")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.IntVar(&c.RateLimitPerMinute, "rate-limit", c.RateLimitPerMinute, "API requests per minute per client IP (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "API request burst per client IP")
	fs.Int64Var(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "largest frame accepted from a device")
	fs.BoolVar(&c.RequireKnownType, "require-known-type", c.RequireKnownType, "refuse devices whose type is not configured")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Load resolves the configuration: defaults, then the YAML file, then the
// environment, then args. A missing config file is not an error.
func Load(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var c ServerConfig
	c.ConfigFile = GetEnv("CONFIG_FILE", "")
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				c.ConfigFile = args[i+1]
			}
		case strings.HasPrefix(a, "-config="), strings.HasPrefix(a, "--config="):
			c.ConfigFile = a[strings.Index(a, "=")+1:]
		}
	}
	c.SetDefaults()
	if err := c.LoadFile(c.ConfigFile); err != nil && !os.IsNotExist(err) {
		return c, fmt.Errorf("load config %s: %w", c.ConfigFile, err)
	}
	c.ApplyEnv()
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, nil
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
