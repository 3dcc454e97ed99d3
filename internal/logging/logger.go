package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Level represents the severity of a log entry
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields carries structured key/value data attached to an entry
type Fields map[string]any

type contextKey string

// CorrelationIDKey is the context key holding a correlation ID
const CorrelationIDKey contextKey = "correlation_id"

// Entry is one JSON log line
type Entry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Instance      string    `json:"instance,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *float64  `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	Caller        string    `json:"caller,omitempty"`
}

// Options configures a Logger
type Options struct {
	Level      Level
	Instance   string
	File       string    // appended to when set
	Console    bool      // write to stdout
	Output     io.Writer // extra writer, mostly for tests
	BufferSize int
}

// Logger writes structured entries from a background goroutine. Entries that
// do not fit in the buffer are written synchronously.
type Logger struct {
	level    atomic.Int32
	instance string

	mu      sync.Mutex
	writers []io.Writer
	closers []io.Closer

	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a logger and starts its writer goroutine
func New(opts Options) (*Logger, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}

	l := &Logger{
		instance: opts.Instance,
		entries:  make(chan Entry, opts.BufferSize),
		done:     make(chan struct{}),
	}
	l.level.Store(int32(opts.Level))

	if opts.Console {
		l.writers = append(l.writers, os.Stdout)
	}
	if opts.Output != nil {
		l.writers = append(l.writers, opts.Output)
	}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		l.writers = append(l.writers, f)
		l.closers = append(l.closers, f)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	for {
		select {
		case e := <-l.entries:
			l.write(e)
		case <-l.done:
			for {
				select {
				case e := <-l.entries:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		w.Write(data)
	}
}

// SetLevel changes the minimum level; it is safe to call concurrently
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Level returns the minimum level written
func (l *Logger) Level() Level {
	return Level(l.level.Load())
}

// Enabled reports whether entries at level are written
func (l *Logger) Enabled(level Level) bool {
	return level >= l.Level()
}

func (l *Logger) log(ctx context.Context, level Level, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if !l.Enabled(level) {
		return
	}

	e := Entry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		CorrelationID: GetCorrelationID(ctx),
		Instance:      l.instance,
		Component:     component,
		Action:        action,
		Fields:        fields,
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Caller = file + ":" + strconv.Itoa(line)
	}
	if err != nil {
		e.Error = err.Error()
	}
	if duration != nil {
		ms := float64(duration.Microseconds()) / 1000
		e.Duration = &ms
	}

	select {
	case l.entries <- e:
	default:
		l.write(e)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, INFO, component, action, message, first(fields), nil, nil)
}

// Warn logs a warning
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, WARN, component, action, message, first(fields), nil, nil)
}

// Error logs an error
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, ERROR, component, action, message, first(fields), err, nil)
}

// Fatal logs a fatal error. It does not exit; callers decide how to stop.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, FATAL, component, action, message, first(fields), err, nil)
}

// WithDuration logs an entry carrying a duration
func (l *Logger) WithDuration(ctx context.Context, level Level, component, action, message string, d time.Duration, fields ...Fields) {
	l.log(ctx, level, component, action, message, first(fields), nil, &d)
}

// StartTimer returns a function that logs the time elapsed since the call
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		l.WithDuration(ctx, INFO, component, action, message, time.Since(start))
	}
}

// Close drains pending entries and closes file writers. It is idempotent.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()
		for _, c := range l.closers {
			c.Close()
		}
		l.closers = nil
	})
}

// WithCorrelationID returns a context carrying id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// NewCorrelationID generates a random correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// GetCorrelationID returns the correlation ID stored in ctx, if any
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// SetDefault installs the logger used by the package-level functions
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the installed logger, or nil
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	if l := Default(); l != nil {
		l.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...Fields) {
	if l := Default(); l != nil {
		l.log(ctx, INFO, component, action, message, first(fields), nil, nil)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	if l := Default(); l != nil {
		l.log(ctx, WARN, component, action, message, first(fields), nil, nil)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if l := Default(); l != nil {
		l.log(ctx, ERROR, component, action, message, first(fields), err, nil)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if l := Default(); l != nil {
		l.log(ctx, FATAL, component, action, message, first(fields), err, nil)
	}
}

// Enabled reports whether the default logger writes entries at level
func Enabled(level Level) bool {
	if l := Default(); l != nil {
		return l.Enabled(level)
	}
	return false
}
