package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joeycumines/go-microhttp"
	"github.com/joeycumines/logiface"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment variable, e.g. MICROHTTPD_SERVER_PORT.
const envPrefix = "MICROHTTPD"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Workers   WorkersConfig   `yaml:"workers" envconfig:"WORKERS"`
}

// ServerConfig maps onto microhttp.Options
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReuseAddr       bool          `yaml:"reuse_addr" envconfig:"REUSE_ADDR"`
	ReusePort       bool          `yaml:"reuse_port" envconfig:"REUSE_PORT"`
	Resolution      time.Duration `yaml:"resolution" envconfig:"RESOLUTION"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	AcceptLength    int           `yaml:"accept_length" envconfig:"ACCEPT_LENGTH"`
	MaxRequestSize  int           `yaml:"max_request_size" envconfig:"MAX_REQUEST_SIZE"`
	Concurrency     int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
	Metrics         bool          `yaml:"metrics" envconfig:"METRICS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"` // trace, debug, info, notice, warning, err, crit, alert, emerg, disabled
}

// RateLimitConfig limits accepted connections per client IP, 0 disables a window
type RateLimitConfig struct {
	PerSecond int `yaml:"per_second" envconfig:"PER_SECOND"`
	PerMinute int `yaml:"per_minute" envconfig:"PER_MINUTE"`
}

// WorkersConfig configures the pool that produces /echo responses
type WorkersConfig struct {
	Count     int `yaml:"count" envconfig:"COUNT"`
	QueueSize int `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// a missing file leaves the defaults and env vars
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	o := microhttp.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Host:            o.Host,
			Port:            o.Port,
			Resolution:      o.Resolution,
			RequestTimeout:  o.RequestTimeout,
			ReadBufferSize:  o.ReadBufferSize,
			WriteBufferSize: o.WriteBufferSize,
			AcceptLength:    o.AcceptLength,
			MaxRequestSize:  o.MaxRequestSize,
			Concurrency:     o.Concurrency,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Workers: WorkersConfig{
			Count:     runtime.NumCPU(),
			QueueSize: 1024,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Options().Validate(); err != nil {
		return err
	}
	if _, err := c.Logging.ParseLevel(); err != nil {
		return err
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers count must be positive")
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("workers queue size must not be negative")
	}
	return nil
}

// Options converts the server configuration.
func (c ServerConfig) Options() microhttp.Options {
	return microhttp.Options{
		Host:            c.Host,
		Port:            c.Port,
		ReuseAddr:       c.ReuseAddr,
		ReusePort:       c.ReusePort,
		Resolution:      c.Resolution,
		RequestTimeout:  c.RequestTimeout,
		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		AcceptLength:    c.AcceptLength,
		MaxRequestSize:  c.MaxRequestSize,
		Concurrency:     c.Concurrency,
	}
}

// ParseLevel resolves the configured level, by its logiface name.
func (c LoggingConfig) ParseLevel() (logiface.Level, error) {
	name := strings.ToLower(strings.TrimSpace(c.Level))
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == name {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown log level: %q", c.Level)
}

// Rates returns the accept rate limits, or nil if there are none.
func (c RateLimitConfig) Rates() map[time.Duration]int {
	rates := make(map[time.Duration]int)
	if c.PerSecond > 0 {
		rates[time.Second] = c.PerSecond
	}
	if c.PerMinute > 0 {
		rates[time.Minute] = c.PerMinute
	}
	if len(rates) == 0 {
		return nil
	}
	return rates
}
