package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/http"
)

// EnvPrefix is the environment prefix used by the sample commands
const EnvPrefix = "REACTOR"

// Config holds all application configuration.
type Config struct {
	Loop     LoopConfig     `config:"loop"`
	Listener ListenerConfig `config:"listener"`
	Buffer   BufferConfig   `config:"buffer"`
	HTTP     HTTPConfig     `config:"http"`
	Metrics  MetricsConfig  `config:"metrics"`
	Log      LogConfig      `config:"log"`
	Runtime  RuntimeConfig  `config:"runtime"`
}

// LoopConfig configures the event loop
type LoopConfig struct {
	MaxEvents int  `config:"max_events"`
	Debug     bool `config:"debug"`
}

// ListenerConfig configures the listening socket
type ListenerConfig struct {
	Address   string `config:"address"`
	Port      int    `config:"port"`
	Backlog   int    `config:"backlog"`
	ReusePort bool   `config:"reuse_port"`
}

// BufferConfig bounds connection input buffers; 0 means unbounded
type BufferConfig struct {
	ReadHighWaterMark int `config:"read_high_water_mark"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	MaxHeaderSize  int           `config:"max_header_size"`
	MaxBodySize    int64         `config:"max_body_size"`
	ReadTimeout    time.Duration `config:"read_timeout"`
	HandlerTimeout time.Duration `config:"handler_timeout"`
	// CompressMin is the smallest body gzipped; negative disables compression
	CompressMin int      `config:"compress_min"`
	ServerName  string   `config:"server_name"`
	ContentType string   `config:"content_type"`
	Methods     []string `config:"methods"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled   bool   `config:"enabled"`
	Namespace string `config:"namespace"`
	// Path serves the metrics over HTTP when non-empty
	Path string `config:"path"`
	// Runtime adds Go runtime and process metrics
	Runtime bool `config:"runtime"`
}

// RuntimeConfig tunes the Go runtime; zero values leave it alone
type RuntimeConfig struct {
	GCPercent   int   `config:"gc_percent"`
	MemoryLimit int64 `config:"memory_limit"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `config:"level"`
	Format string `config:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxEvents: 1024,
		},
		Listener: ListenerConfig{
			Address: "127.0.0.1",
			Port:    8080,
			Backlog: 1024,
		},
		HTTP: HTTPConfig{
			MaxHeaderSize:  http.DefaultMaxHeaderSize,
			MaxBodySize:    http.DefaultMaxBodySize,
			ReadTimeout:    http.DefaultReadTimeout,
			HandlerTimeout: http.DefaultHandlerTimeout,
			CompressMin:    -1,
			ServerName:     http.DefaultServerName,
			ContentType:    http.DefaultContentType,
			Methods:        append([]string(nil), http.DefaultMethods...),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "reactor",
			Path:      "/metrics",
			Runtime:   true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers a JSON file (skipped when path is empty) and then
// PREFIX_* environment variables over Default.
func Load(path, envPrefix string) (*Config, error) {
	m, err := sources(path, envPrefix)
	if err != nil {
		return nil, err
	}
	return decode(m)
}

// FromFlags is Load driven by the flags BindFlags registered: --config
// names the file and flags the user set override both file and
// environment.
func FromFlags(fs *pflag.FlagSet, envPrefix string) (*Config, error) {
	path, err := fs.GetString("config")
	if err != nil {
		path = ""
	}
	m, err := sources(path, envPrefix)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			m.Set(key, sv.GetSlice())
			return
		}
		m.Set(key, f.Value.String())
	})
	return decode(m)
}

func sources(path, envPrefix string) (*Manager, error) {
	m := NewManager()
	if path != "" {
		if err := m.LoadFromJSON(path); err != nil {
			return nil, err
		}
	}
	if envPrefix != "" {
		m.LoadFromEnv(envPrefix)
	}
	return m, nil
}

func decode(m *Manager) (*Config, error) {
	cfg := Default()
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagKeys maps flag names to configuration keys
var flagKeys = map[string]string{
	"address":         "listener.address",
	"port":            "listener.port",
	"backlog":         "listener.backlog",
	"reuse-port":      "listener.reuse_port",
	"max-events":      "loop.max_events",
	"debug":           "loop.debug",
	"read-hwm":        "buffer.read_high_water_mark",
	"max-header-size": "http.max_header_size",
	"max-body-size":   "http.max_body_size",
	"read-timeout":    "http.read_timeout",
	"handler-timeout": "http.handler_timeout",
	"compress-min":    "http.compress_min",
	"methods":         "http.methods",
	"metrics":         "metrics.enabled",
	"metrics-path":    "metrics.path",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"gc-percent":      "runtime.gc_percent",
	"memory-limit":    "runtime.memory_limit",
}

// BindFlags registers the configuration flags on fs with the built-in
// defaults. Read the result with FromFlags.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String("config", "", "JSON configuration file")
	fs.String("address", d.Listener.Address, "IP address to listen on")
	fs.IntP("port", "p", d.Listener.Port, "port to listen on")
	fs.Int("backlog", d.Listener.Backlog, "listen backlog")
	fs.Bool("reuse-port", d.Listener.ReusePort, "set SO_REUSEPORT on the listener")
	fs.Int("max-events", d.Loop.MaxEvents, "readiness events fetched per poll")
	fs.Bool("debug", d.Loop.Debug, "enable loop debug checks")
	fs.Int("read-hwm", d.Buffer.ReadHighWaterMark, "pause reading once this many bytes are buffered (0: unbounded)")
	fs.Int("max-header-size", d.HTTP.MaxHeaderSize, "largest accepted request head in bytes")
	fs.Int64("max-body-size", d.HTTP.MaxBodySize, "largest accepted request body in bytes")
	fs.Duration("read-timeout", d.HTTP.ReadTimeout, "time allowed to receive a request")
	fs.Duration("handler-timeout", d.HTTP.HandlerTimeout, "time allowed for a handler to reply")
	fs.Int("compress-min", d.HTTP.CompressMin, "gzip bodies of at least this size (negative: off)")
	fs.StringSlice("methods", d.HTTP.Methods, "accepted HTTP methods")
	fs.Bool("metrics", d.Metrics.Enabled, "collect Prometheus metrics")
	fs.String("metrics-path", d.Metrics.Path, "HTTP path serving metrics (empty: not served)")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: text or json")
	fs.Int("gc-percent", d.Runtime.GCPercent, "GOGC target percentage (0: unchanged)")
	fs.Int64("memory-limit", d.Runtime.MemoryLimit, "soft memory limit in bytes (0: unchanged)")
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error

	if _, err := core.ParseAddr(c.Listener.Address); err != nil {
		errs = append(errs, fmt.Errorf("listener.address: %w", err))
	}
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		errs = append(errs, fmt.Errorf("listener.port: %d out of range", c.Listener.Port))
	}
	if c.Loop.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("loop.max_events: must be positive"))
	}
	if c.Buffer.ReadHighWaterMark < 0 {
		errs = append(errs, fmt.Errorf("buffer.read_high_water_mark: must not be negative"))
	}
	if c.HTTP.MaxHeaderSize <= 0 {
		errs = append(errs, fmt.Errorf("http.max_header_size: must be positive"))
	}
	if c.HTTP.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("http.max_body_size: must not be negative"))
	}
	if c.HTTP.ReadTimeout < 0 || c.HTTP.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("http timeouts must not be negative"))
	}
	if c.Runtime.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("runtime.memory_limit: must not be negative"))
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path: %q must start with '/'", c.Metrics.Path))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format: %q is neither text nor json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// SlogLevel returns the configured level, Info when it does not parse
func (l LogConfig) SlogLevel() slog.Level {
	level, err := l.level()
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
