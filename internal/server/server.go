// Package server accepts memcached connections and feeds their requests to
// the worker that owns the cache engine.
//
// Each connection has a goroutine that reads and decodes requests. Requests
// already buffered on the connection are batched so one round trip through
// the worker answers a whole pipeline. The worker is the only goroutine that
// touches the engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"slimcache/internal/logging"
	"slimcache/internal/protocol/memcache"
)

// maxBatch caps the number of pipelined requests sent to the worker at once
const maxBatch = 64

// Config holds server configuration
type Config struct {
	Address        string
	MaxConnections int
	IdleTimeout    time.Duration
	ReadBufferSize int
	MaxRequestSize int
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1:11211",
		MaxConnections: 1024,
		IdleTimeout:    5 * time.Minute,
		ReadBufferSize: 16 << 10,
		MaxRequestSize: 1 << 20,
	}
}

// Stats holds server statistics
type Stats struct {
	TotalConnections    uint64 `json:"total_connections"`
	ActiveConnections   int    `json:"active_connections"`
	RejectedConnections uint64 `json:"rejected_connections"`
	IdleClosed          uint64 `json:"idle_closed"`
	Requests            uint64 `json:"requests"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
	BytesReceived       uint64 `json:"bytes_received"`
	BytesSent           uint64 `json:"bytes_sent"`
}

// Server is a memcached ASCII protocol server
type Server struct {
	cfg      Config
	worker   *Worker
	listener net.Listener

	conns *xsync.MapOf[string, *clientConn]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	set         *metrics.Set
	accepted    *metrics.Counter
	rejected    *metrics.Counter
	idleClosed  *metrics.Counter
	requests    *metrics.Counter
	protoErrors *metrics.Counter
	bytesIn     *metrics.Counter
	bytesOut    *metrics.Counter
}

type clientConn struct {
	id       string
	conn     net.Conn
	peer     string
	parser   *memcache.Parser
	lastUsed atomic.Int64
	reply    chan []byte
}

// New creates a server that hands requests to worker
func New(cfg Config, worker *Worker) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		worker: worker,
		conns:  xsync.NewMapOf[string, *clientConn](),
		ctx:    ctx,
		cancel: cancel,
		set:    metrics.NewSet(),
	}
	s.accepted = s.set.NewCounter("slimcache_connections_total")
	s.rejected = s.set.NewCounter("slimcache_connections_rejected_total")
	s.idleClosed = s.set.NewCounter("slimcache_connections_idle_closed_total")
	s.requests = s.set.NewCounter("slimcache_requests_total")
	s.protoErrors = s.set.NewCounter("slimcache_protocol_errors_total")
	s.bytesIn = s.set.NewCounter("slimcache_bytes_received_total")
	s.bytesOut = s.set.NewCounter("slimcache_bytes_sent_total")
	s.set.NewGauge("slimcache_connections_active", func() float64 { return float64(s.conns.Size()) })
	return s
}

// Metrics returns the server's metric set
func (s *Server) Metrics() *metrics.Set {
	return s.set
}

// Start listens on the configured address and starts accepting connections
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = listener
	s.running.Store(true)

	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.connectionCleaner()
	}

	s.wg.Add(1)
	go s.acceptConnections()

	logging.Info(s.ctx, logging.ComponentServer, logging.ActionStart, "Server listening", logging.Fields{
		"address":         listener.Addr().String(),
		"max_connections": s.cfg.MaxConnections,
	})
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every connection, then waits for their
// goroutines to exit. The worker is not stopped.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return fmt.Errorf("server is not running")
	}

	s.running.Store(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.conns.Range(func(_ string, c *clientConn) bool {
		c.conn.Close()
		return true
	})

	s.wg.Wait()

	logging.Info(context.Background(), logging.ComponentServer, logging.ActionStop, "Server stopped", logging.Fields{
		"connections_served": s.accepted.Get(),
	})
	return nil
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	return Stats{
		TotalConnections:    s.accepted.Get(),
		ActiveConnections:   s.conns.Size(),
		RejectedConnections: s.rejected.Get(),
		IdleClosed:          s.idleClosed.Get(),
		Requests:            s.requests.Get(),
		ProtocolErrors:      s.protoErrors.Get(),
		BytesReceived:       s.bytesIn.Get(),
		BytesSent:           s.bytesOut.Get(),
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logging.Error(s.ctx, logging.ComponentServer, logging.ActionConnect, "Accept failed", err)
			return
		}

		if s.cfg.MaxConnections > 0 && s.conns.Size() >= s.cfg.MaxConnections {
			conn.Close()
			s.rejected.Inc()
			logging.Warn(s.ctx, logging.ComponentServer, logging.ActionReject, "Connection limit reached", logging.Fields{
				"remote_addr":     conn.RemoteAddr().String(),
				"max_connections": s.cfg.MaxConnections,
			})
			continue
		}

		c := &clientConn{
			id:    uuid.NewString(),
			conn:  conn,
			peer:  conn.RemoteAddr().String(),
			reply: make(chan []byte, 1),
		}
		c.parser = memcache.NewParser(&countingReader{r: conn, n: s.bytesIn}, s.cfg.ReadBufferSize, s.cfg.MaxRequestSize)
		c.lastUsed.Store(time.Now().UnixNano())

		s.conns.Store(c.id, c)
		s.accepted.Inc()

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *clientConn) {
	defer s.wg.Done()

	ctx := logging.WithCorrelationID(s.ctx, c.id)
	logging.Debug(ctx, logging.ComponentServer, logging.ActionConnect, "Client connected", logging.Fields{
		"remote_addr": c.peer,
	})

	defer func() {
		c.conn.Close()
		s.conns.Delete(c.id)
		logging.Debug(ctx, logging.ComponentServer, logging.ActionDisconnect, "Client disconnected", logging.Fields{
			"remote_addr": c.peer,
		})
	}()

	batch := make([]entry, 0, maxBatch)
	var out []byte

	for {
		var closing bool
		batch, closing = s.readBatch(ctx, c, batch[:0])
		if len(batch) == 0 {
			return
		}
		c.lastUsed.Store(time.Now().UnixNano())

		var err error
		out, err = s.worker.submit(ctx, c.peer, batch, out[:0], c.reply)
		if err != nil {
			return
		}

		if len(out) > 0 {
			n, err := c.conn.Write(out)
			s.bytesOut.Add(n)
			if err != nil {
				return
			}
		}
		if closing {
			return
		}
	}
}

// readBatch decodes one request, then every further request already buffered
// on the connection. closing is set when the connection must be closed after
// the batch has been answered.
func (s *Server) readBatch(ctx context.Context, c *clientConn, batch []entry) (_ []entry, closing bool) {
	for len(batch) < maxBatch {
		req, err := c.parser.Parse()
		switch {
		case err == nil:
			batch = append(batch, entry{req: req})
			s.requests.Inc()
			if req.Verb == memcache.VerbQuit {
				return batch, true
			}
		case memcache.IsRecoverable(err):
			s.protoErrors.Inc()
			batch = append(batch, entry{resp: memcache.ErrorResponse(err)})
		case errors.Is(err, memcache.ErrLineTooLong):
			s.protoErrors.Inc()
			logging.Warn(ctx, logging.ComponentServer, logging.ActionReject, "Request line too long", logging.Fields{
				"remote_addr": c.peer,
			})
			batch = append(batch, entry{resp: &memcache.Response{Kind: memcache.KindClientError, Text: "line too long"}})
			return batch, true
		default:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.running.Load() {
				logging.Debug(ctx, logging.ComponentServer, logging.ActionDisconnect, "Read failed", logging.Fields{
					"remote_addr": c.peer,
					"error":       err.Error(),
				})
			}
			return batch, true
		}

		if c.parser.Buffered() == 0 {
			break
		}
	}
	return batch, false
}

// connectionCleaner periodically closes idle connections
func (s *Server) connectionCleaner() {
	defer s.wg.Done()

	interval := s.cfg.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.cleanupIdleConnections(now)
		}
	}
}

func (s *Server) cleanupIdleConnections(now time.Time) {
	cutoff := now.Add(-s.cfg.IdleTimeout).UnixNano()

	s.conns.Range(func(id string, c *clientConn) bool {
		if c.lastUsed.Load() < cutoff {
			s.idleClosed.Inc()
			s.conns.Delete(id)
			c.conn.Close()
			logging.Debug(s.ctx, logging.ComponentServer, logging.ActionCleanup, "Closed idle connection", logging.Fields{
				"remote_addr": c.peer,
			})
		}
		return true
	})
}

type countingReader struct {
	r io.Reader
	n *metrics.Counter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(n)
	return n, err
}
