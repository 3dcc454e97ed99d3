package server

import (
	"context"
	"errors"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"slimcache/internal/cache"
	"slimcache/internal/logging"
	"slimcache/internal/process"
	"slimcache/internal/protocol/memcache"
)

// ErrStopped is returned to callers that reach the worker after it exited
var ErrStopped = errors.New("worker stopped")

// WorkerConfig configures the request worker
type WorkerConfig struct {
	QueueDepth          int
	MaintenanceInterval time.Duration
}

// entry is one pipelined request, or the error reply for a request that
// failed to parse. Keeping both in one batch preserves reply order.
type entry struct {
	req  *memcache.Request
	resp *memcache.Response
}

type task struct {
	peer  string
	batch []entry
	out   []byte
	reply chan []byte
}

// Worker is the single goroutine that owns the engine. Connections hand it
// batches of decoded requests; it also runs the periodic maintenance pass.
type Worker struct {
	engine *cache.Engine
	proc   *process.Processor
	cfg    WorkerConfig

	tasks chan task
	jobs  chan func()
	done  chan struct{}

	set      *metrics.Set
	batches  *metrics.Counter
	requests *metrics.Counter
	expired  *metrics.Counter
}

// NewWorker creates a worker for engine. Run must be called before any
// request is submitted.
func NewWorker(engine *cache.Engine, proc *process.Processor, cfg WorkerConfig) *Worker {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 100 * time.Millisecond
	}

	w := &Worker{
		engine: engine,
		proc:   proc,
		cfg:    cfg,
		tasks:  make(chan task, cfg.QueueDepth),
		jobs:   make(chan func()),
		done:   make(chan struct{}),
		set:    metrics.NewSet(),
	}
	w.batches = w.set.NewCounter("slimcache_worker_batches_total")
	w.requests = w.set.NewCounter("slimcache_worker_requests_total")
	w.expired = w.set.NewCounter("slimcache_worker_maintenance_removed_total")
	w.set.NewGauge("slimcache_worker_queue_length", func() float64 { return float64(len(w.tasks)) })
	return w
}

// Metrics returns the worker's metric set
func (w *Worker) Metrics() *metrics.Set {
	return w.set
}

// Run processes requests and maintenance ticks until ctx is done
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()

	logging.Info(ctx, logging.ComponentWorker, logging.ActionStart, "Worker started", logging.Fields{
		"queue_depth":          w.cfg.QueueDepth,
		"maintenance_interval": w.cfg.MaintenanceInterval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, logging.ComponentWorker, logging.ActionStop, "Worker stopped")
			return
		case t := <-w.tasks:
			t.reply <- w.process(t)
		case job := <-w.jobs:
			job()
		case <-ticker.C:
			w.maintain(ctx)
		}
	}
}

func (w *Worker) process(t task) []byte {
	out := t.out
	for _, e := range t.batch {
		if e.req == nil {
			out = memcache.AppendResponse(out, e.resp)
			continue
		}
		out = w.proc.Handle(t.peer, e.req, out)
		w.requests.Inc()
	}
	w.batches.Inc()
	return out
}

func (w *Worker) maintain(ctx context.Context) {
	started := time.Now()
	n := w.engine.Maintain(w.engine.Now())
	if n == 0 {
		return
	}
	w.expired.Add(n)
	if logging.Enabled(logging.DEBUG) {
		logging.Default().WithDuration(ctx, logging.DEBUG, logging.ComponentWorker, logging.ActionMaintenance,
			"Maintenance removed items", time.Since(started), logging.Fields{"removed": n})
	}
}

// submit runs a batch on the worker and returns out with the replies appended.
// reply must have capacity for one value and be owned by the caller.
func (w *Worker) submit(ctx context.Context, peer string, batch []entry, out []byte, reply chan []byte) ([]byte, error) {
	t := task{peer: peer, batch: batch, out: out, reply: reply}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return out, ctx.Err()
	case <-w.done:
		return out, ErrStopped
	}

	// once queued the worker always answers unless it stops first
	select {
	case out = <-reply:
		return out, nil
	case <-w.done:
		return out, ErrStopped
	}
}

// Do runs fn on the worker goroutine, serialized with request processing
func (w *Worker) Do(ctx context.Context, fn func(engine *cache.Engine)) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn(w.engine)
	}

	select {
	case w.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrStopped
	}
	<-finished
	return nil
}

// Snapshot collects engine statistics on the worker goroutine
func (w *Worker) Snapshot(ctx context.Context) (cache.Snapshot, error) {
	var snap cache.Snapshot
	err := w.Do(ctx, func(engine *cache.Engine) {
		snap = engine.Snapshot()
	})
	return snap, err
}
