package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"slimcache/internal/logging"
)

// Config represents the main configuration structure
type Config struct {
	Instance  string           `yaml:"instance"`
	PIDFile   string           `yaml:"pid_file"`
	Server    ServerConfig     `yaml:"server"`
	Admin     AdminConfig      `yaml:"admin"`
	Cuckoo    CuckooConfig     `yaml:"cuckoo"`
	TimeWheel TimeWheelConfig  `yaml:"time_wheel"`
	Worker    WorkerConfig     `yaml:"worker"`
	Klog      KlogConfig       `yaml:"klog"`
	Logging   logging.Settings `yaml:"logging"`
}

// ServerConfig contains the client-facing listener configuration
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"` // 0 disables idle reaping
	ReadBufferSize string        `yaml:"read_buffer"`  // e.g. "16KB"
	MaxRequestSize string        `yaml:"max_request"`  // largest accepted data block
}

// AdminConfig contains the HTTP admin endpoint configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// CuckooConfig sizes the item table. Capacity comes from ItemCount when set,
// otherwise from MaxMemory divided by ItemSize.
type CuckooConfig struct {
	ItemSize    string `yaml:"item_size"`  // key+value bytes per slot
	ItemCount   int    `yaml:"item_count"` // number of slots
	MaxMemory   string `yaml:"max_memory"` // slab budget when item_count is 0
	HashCount   int    `yaml:"hash_count"`
	MaxDisplace int    `yaml:"max_displace"`
	Policy      string `yaml:"policy"` // evict or reject
}

// TimeWheelConfig contains expiration tracking configuration
type TimeWheelConfig struct {
	Tick  time.Duration `yaml:"tick"`
	Slots int           `yaml:"slots"`
}

// WorkerConfig contains the request worker configuration
type WorkerConfig struct {
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	QueueDepth          int           `yaml:"queue_depth"`
}

// KlogConfig contains command log configuration
type KlogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	File          string        `yaml:"file"`
	Sample        int           `yaml:"sample"` // log one in every Sample commands
	BufferSize    string        `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// FieldError reports an invalid configuration value
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Instance: "slimcache",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           11211,
			MaxConnections: 1024,
			IdleTimeout:    5 * time.Minute,
			ReadBufferSize: "16KB",
			MaxRequestSize: "1MB",
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9180,
		},
		Cuckoo: CuckooConfig{
			ItemSize:    "64B",
			ItemCount:   0,
			MaxMemory:   "64MB",
			HashCount:   4,
			MaxDisplace: 2,
			Policy:      "evict",
		},
		TimeWheel: TimeWheelConfig{
			Tick:  100 * time.Millisecond,
			Slots: 1024,
		},
		Worker: WorkerConfig{
			MaintenanceInterval: 100 * time.Millisecond,
			QueueDepth:          1024,
		},
		Klog: KlogConfig{
			Enabled:       false,
			File:          "slimcache.cmd.log",
			Sample:        100,
			BufferSize:    "64KB",
			FlushInterval: time.Second,
		},
		Logging: logging.Settings{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			LogDir:        "logs",
			BufferSize:    1000,
		},
	}
}

// Load reads the configuration file at path on top of the defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Instance == "" {
		return fieldErr("instance", "cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fieldErr("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fieldErr("server.max_connections", "must be >= 1")
	}
	if c.Server.IdleTimeout < 0 {
		return fieldErr("server.idle_timeout", "cannot be negative")
	}
	if _, err := ParseSize(c.Server.ReadBufferSize); err != nil {
		return fieldErr("server.read_buffer", "%v", err)
	}
	if _, err := ParseSize(c.Server.MaxRequestSize); err != nil {
		return fieldErr("server.max_request", "%v", err)
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return fieldErr("admin.port", "must be between 1 and 65535, got %d", c.Admin.Port)
	}

	if _, err := c.Cuckoo.Geometry(); err != nil {
		return err
	}
	if c.Cuckoo.HashCount < 2 {
		return fieldErr("cuckoo.hash_count", "must be >= 2")
	}
	if c.Cuckoo.MaxDisplace < 0 {
		return fieldErr("cuckoo.max_displace", "cannot be negative")
	}
	if !isValidPolicy(c.Cuckoo.Policy) {
		return fieldErr("cuckoo.policy", "must be evict or reject, got %q", c.Cuckoo.Policy)
	}

	if c.TimeWheel.Tick <= 0 {
		return fieldErr("time_wheel.tick", "must be positive")
	}
	if c.TimeWheel.Slots < 1 {
		return fieldErr("time_wheel.slots", "must be >= 1")
	}
	if c.Worker.MaintenanceInterval <= 0 {
		return fieldErr("worker.maintenance_interval", "must be positive")
	}
	if c.Worker.QueueDepth < 1 {
		return fieldErr("worker.queue_depth", "must be >= 1")
	}

	if c.Klog.Enabled {
		if c.Klog.File == "" {
			return fieldErr("klog.file", "required when klog is enabled")
		}
		if c.Klog.Sample < 1 {
			return fieldErr("klog.sample", "must be >= 1")
		}
		if _, err := ParseSize(c.Klog.BufferSize); err != nil {
			return fieldErr("klog.buffer_size", "%v", err)
		}
		if c.Klog.FlushInterval <= 0 {
			return fieldErr("klog.flush_interval", "must be positive")
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fieldErr("logging.level", "%v", err)
	}
	return nil
}

// Geometry is the resolved table size
type Geometry struct {
	Capacity uint32
	ItemSize uint32
}

// Geometry resolves the slot count and slot size
func (c CuckooConfig) Geometry() (Geometry, error) {
	itemSize, err := ParseSize(c.ItemSize)
	if err != nil {
		return Geometry{}, fieldErr("cuckoo.item_size", "%v", err)
	}
	if itemSize == 0 || itemSize > 1<<20 {
		return Geometry{}, fieldErr("cuckoo.item_size", "must be between 1B and 1MB")
	}

	var capacity uint64
	switch {
	case c.ItemCount < 0:
		return Geometry{}, fieldErr("cuckoo.item_count", "cannot be negative")
	case c.ItemCount > 0:
		capacity = uint64(c.ItemCount)
	default:
		budget, err := ParseSize(c.MaxMemory)
		if err != nil {
			return Geometry{}, fieldErr("cuckoo.max_memory", "%v", err)
		}
		capacity = budget / itemSize
	}

	if capacity == 0 {
		return Geometry{}, fieldErr("cuckoo.item_count", "table would hold no items")
	}
	if capacity > 1<<31 {
		return Geometry{}, fieldErr("cuckoo.item_count", "%d slots exceed the supported maximum", capacity)
	}
	return Geometry{Capacity: uint32(capacity), ItemSize: uint32(itemSize)}, nil
}

// ErrInvalidSize is wrapped by ParseSize failures
var ErrInvalidSize = errors.New("invalid size")

var sizeUnits = []struct {
	suffix string
	mult   uint64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

// ParseSize parses a byte size such as "64MB", "16KB", "512B" or "4096".
// Units are binary.
func ParseSize(s string) (uint64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	mult := uint64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			mult = u.mult
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	if n > 0 && mult > math.MaxUint64/n {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	return n * mult, nil
}

// Describe writes the configuration as YAML
func (c *Config) Describe(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func isValidPolicy(policy string) bool {
	switch strings.ToLower(policy) {
	case "evict", "reject":
		return true
	}
	return false
}
