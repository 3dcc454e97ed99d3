// Package klog records a sample of processed commands, one line per command,
// in a format close to a web server access log:
//
//	127.0.0.1:50312 - [19/Oct/2026:10:04:05 +0000] "set foo 0 60 5" stored 8
//
// Lines are appended to an in-memory buffer by the request worker and written
// to the destination by Flush, which runs on its own interval. When the buffer
// is full new lines are dropped and counted rather than blocking the worker.
package klog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"slimcache/internal/logging"
	"slimcache/internal/protocol/memcache"
)

const timeLayout = "02/Jan/2006:15:04:05 -0700"

// Config configures a command log
type Config struct {
	Sample        int           // log one in every Sample commands
	BufferSize    int           // bytes held between flushes
	FlushInterval time.Duration // used by Run
}

// Logger is a sampled, buffered command log. It is safe for concurrent use;
// a nil *Logger discards everything.
type Logger struct {
	cfg Config
	w   io.Writer

	mu   sync.Mutex
	buf  []byte
	seen uint64

	logged  *metrics.Counter
	skipped *metrics.Counter
	dropped *metrics.Counter
	flushed *metrics.Counter
	errors  *metrics.Counter
}

// New creates a command log writing to w. Counters are registered in set.
func New(w io.Writer, cfg Config, set *metrics.Set) *Logger {
	if cfg.Sample < 1 {
		cfg.Sample = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 << 10
	}
	return &Logger{
		cfg:     cfg,
		w:       w,
		buf:     make([]byte, 0, cfg.BufferSize),
		logged:  set.NewCounter("slimcache_klog_logged_total"),
		skipped: set.NewCounter("slimcache_klog_skipped_total"),
		dropped: set.NewCounter("slimcache_klog_dropped_total"),
		flushed: set.NewCounter("slimcache_klog_flushed_bytes_total"),
		errors:  set.NewCounter("slimcache_klog_write_errors_total"),
	}
}

// Open creates a command log appending to the file at path
func Open(path string, cfg Config, set *metrics.Set) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open command log %s: %w", path, err)
	}
	return New(f, cfg, set), nil
}

// Record logs one processed command if it falls on the sampling interval.
// size is the number of response bytes sent to the client.
func (l *Logger) Record(peer string, req *memcache.Request, resp *memcache.Response, size int, now time.Time) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seen++
	if l.seen%uint64(l.cfg.Sample) != 0 {
		l.skipped.Inc()
		return
	}

	mark := len(l.buf)
	l.buf = appendLine(l.buf, peer, req, resp, size, now)
	if len(l.buf) > l.cfg.BufferSize {
		l.buf = l.buf[:mark]
		l.dropped.Inc()
		return
	}
	l.logged.Inc()
}

// Flush writes buffered lines to the destination
func (l *Logger) Flush() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) == 0 {
		return nil
	}
	n, err := l.w.Write(l.buf)
	l.flushed.Add(n)
	l.buf = l.buf[:0]
	if err != nil {
		l.errors.Inc()
		return fmt.Errorf("failed to flush command log: %w", err)
	}
	return nil
}

// Run flushes on the configured interval until ctx is done, then flushes one
// last time.
func (l *Logger) Run(ctx context.Context) {
	if l == nil {
		return
	}
	interval := l.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				logging.Error(ctx, logging.ComponentKlog, logging.ActionStop, "Final command log flush failed", err)
			}
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				logging.Warn(ctx, logging.ComponentKlog, logging.ActionFlush, "Command log flush failed", logging.Fields{
					"error": err.Error(),
				})
			}
		}
	}
}

// Close flushes and closes the destination if it is closable
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	err := l.Flush()
	if c, ok := l.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func appendLine(dst []byte, peer string, req *memcache.Request, resp *memcache.Response, size int, now time.Time) []byte {
	if peer == "" {
		peer = "-"
	}
	dst = append(dst, peer...)
	dst = append(dst, " - ["...)
	dst = now.AppendFormat(dst, timeLayout)
	dst = append(dst, "] \""...)
	dst = appendRequest(dst, req)
	dst = append(dst, "\" "...)
	dst = append(dst, resp.Kind.String()...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(size), 10)
	return append(dst, '\n')
}

// appendRequest renders the request line without its data block
func appendRequest(dst []byte, req *memcache.Request) []byte {
	dst = append(dst, req.Verb.String()...)
	for _, k := range req.Keys {
		dst = append(dst, ' ')
		dst = append(dst, k...)
	}

	switch {
	case req.Verb.IsStorage():
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, uint64(req.Flags), 10)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, req.Exptime, 10)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(len(req.Value)), 10)
		if req.Verb == memcache.VerbCAS {
			dst = append(dst, ' ')
			dst = strconv.AppendUint(dst, req.CAS, 10)
		}
	case req.Verb == memcache.VerbIncr || req.Verb == memcache.VerbDecr:
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, req.Delta, 10)
	case req.Verb == memcache.VerbTouch:
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, req.Exptime, 10)
	case req.Verb == memcache.VerbFlushAll && req.Delay > 0:
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, req.Delay, 10)
	case req.Verb == memcache.VerbVerbosity:
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(req.Level), 10)
	}

	if req.NoReply {
		dst = append(dst, " noreply"...)
	}
	return dst
}
