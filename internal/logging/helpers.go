package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ParseLevel converts a configuration string to a Level
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", level)
	}
}

// Settings mirrors the logging block of the configuration file
type Settings struct {
	Level         string `yaml:"level" json:"level"`
	EnableConsole bool   `yaml:"enable_console" json:"enable_console"`
	EnableFile    bool   `yaml:"enable_file" json:"enable_file"`
	LogFile       string `yaml:"log_file" json:"log_file"`
	LogDir        string `yaml:"log_dir" json:"log_dir"`
	BufferSize    int    `yaml:"buffer_size" json:"buffer_size"`
}

// Setup builds a logger from settings and installs it as the default
func Setup(instance string, s Settings) (*Logger, error) {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Level:      level,
		Instance:   instance,
		Console:    s.EnableConsole,
		BufferSize: s.BufferSize,
	}

	if s.EnableFile {
		if s.LogDir != "" {
			if err := os.MkdirAll(s.LogDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		opts.File = s.LogFile
		if opts.File == "" {
			opts.File = instance + ".log"
		}
		if s.LogDir != "" && !filepath.IsAbs(opts.File) {
			opts.File = filepath.Join(s.LogDir, opts.File)
		}
	}

	logger, err := New(opts)
	if err != nil {
		return nil, err
	}
	SetDefault(logger)
	return logger, nil
}

// Components
const (
	ComponentServer  = "server"
	ComponentWorker  = "worker"
	ComponentProcess = "process"
	ComponentCache   = "cache"
	ComponentCuckoo  = "cuckoo"
	ComponentWheel   = "timewheel"
	ComponentAdmin   = "admin"
	ComponentKlog    = "klog"
	ComponentConfig  = "config"
	ComponentMain    = "main"
)

// Actions
const (
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionRequest     = "request"
	ActionResponse    = "response"
	ActionConnect     = "connect"
	ActionDisconnect  = "disconnect"
	ActionReject      = "reject"
	ActionExpire      = "expire"
	ActionEvict       = "evict"
	ActionFlush       = "flush"
	ActionMaintenance = "maintenance"
	ActionValidation  = "validation"
	ActionTimeout     = "timeout"
	ActionCleanup     = "cleanup"
)
