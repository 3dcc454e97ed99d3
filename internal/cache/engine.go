// Package cache assembles the storage engine: the cuckoo table holding items,
// the timing wheel tracking their deadlines, and the counters describing both.
//
// An Engine is created once at startup and handed to whoever needs it. It has
// a single owner; the server's worker goroutine is the only caller of its
// mutating methods. Metrics exported through Metrics() are safe to read from
// any goroutine.
package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"slimcache/internal/cuckoo"
	"slimcache/internal/storage"
	"slimcache/internal/timewheel"
)

// Options configures an Engine
type Options struct {
	Table      cuckoo.Config
	Tick       time.Duration
	WheelSlots int
	Clock      func() time.Time // time.Now when nil
}

// Engine owns every item in the cache
type Engine struct {
	table *cuckoo.Table
	wheel *timewheel.Wheel
	clock func() time.Time
	start time.Time

	// pending flush_all with a delay; zero when none
	flushAt time.Time

	expiredBuf []storage.Slot
	maint      MaintenanceStats

	set   *metrics.Set
	items atomic.Uint64
	bytes atomic.Uint64

	evictions   *metrics.Counter
	expirations *metrics.Counter
	flushes     *metrics.Counter
	maintRuns   *metrics.Counter
	fullSweeps  *metrics.Counter
}

// MaintenanceStats describes the periodic expiry pass
type MaintenanceStats struct {
	Runs         uint64        `json:"runs"`
	Expired      uint64        `json:"expired"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration_ns"`
	PendingFlush time.Time     `json:"pending_flush,omitempty"`
}

// Snapshot is a point-in-time view of the engine
type Snapshot struct {
	Uptime      time.Duration     `json:"uptime_ns"`
	Table       cuckoo.Stats      `json:"table"`
	Slab        storage.SlabStats `json:"slab"`
	Wheel       timewheel.Stats   `json:"wheel"`
	Maintenance MaintenanceStats  `json:"maintenance"`
}

// New builds the engine and reserves all of its memory
func New(opts Options) (*Engine, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	start := clock()

	table, err := cuckoo.New(opts.Table, start)
	if err != nil {
		return nil, err
	}
	wheel, err := timewheel.New(opts.Table.Capacity, opts.Tick, opts.WheelSlots, start)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		table:      table,
		wheel:      wheel,
		clock:      clock,
		start:      start,
		expiredBuf: make([]storage.Slot, 0, 256),
		set:        metrics.NewSet(),
	}
	table.SetObserver(observer{e})
	e.registerMetrics(opts.Table)
	return e, nil
}

func (e *Engine) registerMetrics(cfg cuckoo.Config) {
	e.evictions = e.set.NewCounter("slimcache_evictions_total")
	e.expirations = e.set.NewCounter("slimcache_expirations_total")
	e.flushes = e.set.NewCounter("slimcache_flushed_items_total")
	e.maintRuns = e.set.NewCounter("slimcache_maintenance_runs_total")
	e.fullSweeps = e.set.NewCounter("slimcache_wheel_full_sweeps_total")

	capacity := float64(cfg.Capacity)
	reserved := float64(uint64(cfg.Capacity) * uint64(cfg.ItemSize))
	e.set.NewGauge("slimcache_capacity_items", func() float64 { return capacity })
	e.set.NewGauge("slimcache_reserved_bytes", func() float64 { return reserved })
	e.set.NewGauge("slimcache_items", func() float64 { return float64(e.items.Load()) })
	e.set.NewGauge("slimcache_used_bytes", func() float64 { return float64(e.bytes.Load()) })
	e.set.NewGauge("slimcache_load_factor", func() float64 { return float64(e.items.Load()) / capacity })
}

// Metrics returns the engine's metric set
func (e *Engine) Metrics() *metrics.Set {
	return e.set
}

// Now reads the engine clock
func (e *Engine) Now() time.Time {
	return e.clock()
}

// Started returns the time the engine was built
func (e *Engine) Started() time.Time {
	return e.start
}

// ItemSize returns the largest key+value size a slot holds
func (e *Engine) ItemSize() uint32 {
	return e.table.Slab().ItemSize()
}

// Get returns the live item stored under key
func (e *Engine) Get(key []byte, now time.Time) (cuckoo.Item, bool) {
	slot, ok := e.table.Lookup(key, now)
	if !ok {
		e.publish()
		return cuckoo.Item{}, false
	}
	return e.table.Get(slot), true
}

// Store writes key and keeps the wheel in step with the item's expiry. A zero
// expireAt stores an item that never expires.
func (e *Engine) Store(key, value []byte, flags uint32, expireAt, now time.Time) (cuckoo.Item, cuckoo.Outcome, error) {
	slot, outcome, err := e.table.InsertOrUpdate(key, value, flags, expireAt, now)
	e.publish()
	if err != nil {
		return cuckoo.Item{}, outcome, err
	}

	if expireAt.IsZero() {
		e.wheel.Cancel(slot)
	} else {
		e.wheel.Schedule(slot, expireAt)
	}
	return e.table.Get(slot), outcome, nil
}

// Touch replaces the expiry of key
func (e *Engine) Touch(key []byte, expireAt, now time.Time) bool {
	slot, ok := e.table.Touch(key, expireAt, now)
	if !ok {
		e.publish()
		return false
	}
	if expireAt.IsZero() {
		e.wheel.Cancel(slot)
	} else {
		e.wheel.Schedule(slot, expireAt)
	}
	return true
}

// Delete removes key
func (e *Engine) Delete(key []byte, now time.Time) bool {
	ok := e.table.Delete(key, now)
	e.publish()
	return ok
}

// Flush removes every item now
func (e *Engine) Flush() int {
	n := e.table.Flush()
	e.flushAt = time.Time{}
	e.publish()
	return n
}

// FlushAt schedules a flush for the first maintenance pass at or after at
func (e *Engine) FlushAt(at time.Time) {
	e.flushAt = at
}

// Maintain runs one maintenance pass: a due delayed flush, then every item
// the wheel reports as expired. It returns the number of items removed.
func (e *Engine) Maintain(now time.Time) int {
	started := time.Now()
	removed := 0

	if !e.flushAt.IsZero() && !now.Before(e.flushAt) {
		removed += e.Flush()
	}

	sweeps := e.wheel.Stats().FullSweeps
	e.expiredBuf = e.wheel.Advance(now, e.expiredBuf[:0])
	for _, slot := range e.expiredBuf {
		if e.table.ExpireSlot(slot, now) {
			removed++
			e.maint.Expired++
		}
	}
	if d := e.wheel.Stats().FullSweeps - sweeps; d > 0 {
		e.fullSweeps.Add(int(d))
	}

	e.maint.Runs++
	e.maint.LastRun = now
	e.maint.LastDuration = time.Since(started)
	e.maintRuns.Inc()
	e.publish()
	return removed
}

// Snapshot collects table, slab, wheel and maintenance statistics
func (e *Engine) Snapshot() Snapshot {
	m := e.maint
	m.PendingFlush = e.flushAt
	return Snapshot{
		Uptime:      e.clock().Sub(e.start),
		Table:       e.table.Stats(),
		Slab:        e.table.Slab().Stats(),
		Wheel:       e.wheel.Stats(),
		Maintenance: m,
	}
}

// CheckConsistency verifies the table invariants and that the wheel holds
// exactly the items that carry an expiry, each with the item's deadline.
func (e *Engine) CheckConsistency() error {
	if err := e.table.CheckInvariants(); err != nil {
		return err
	}

	var errs []error
	scheduled := 0
	for i := uint32(0); i < e.table.Capacity(); i++ {
		slot := storage.Slot(i)
		deadline, inWheel := e.wheel.Scheduled(slot)
		if !e.table.Occupied(slot) {
			if inWheel {
				errs = append(errs, fmt.Errorf("empty slot %d is scheduled", slot))
			}
			continue
		}

		item := e.table.Get(slot)
		switch {
		case item.ExpireAt.IsZero() && inWheel:
			errs = append(errs, fmt.Errorf("slot %d never expires but is scheduled", slot))
		case !item.ExpireAt.IsZero() && !inWheel:
			errs = append(errs, fmt.Errorf("slot %d expires at %v but is not scheduled", slot, item.ExpireAt))
		case inWheel && !deadline.Equal(item.ExpireAt):
			errs = append(errs, fmt.Errorf("slot %d scheduled for %v, item expires at %v", slot, deadline, item.ExpireAt))
		}
		if inWheel {
			scheduled++
		}
	}
	if scheduled != e.wheel.Len() {
		errs = append(errs, fmt.Errorf("wheel counts %d entries, found %d", e.wheel.Len(), scheduled))
	}
	return errors.Join(errs...)
}

func (e *Engine) publish() {
	e.items.Store(uint64(e.table.Len()))
	e.bytes.Store(e.table.Slab().Stats().UsedBytes)
}

// observer keeps the wheel consistent with slot changes made by the table
type observer struct {
	e *Engine
}

func (o observer) Relocated(from, to storage.Slot) {
	o.e.wheel.Move(from, to)
}

func (o observer) Removed(slot storage.Slot, reason cuckoo.RemoveReason) {
	o.e.wheel.Cancel(slot)
	switch reason {
	case cuckoo.RemovedEvicted:
		o.e.evictions.Inc()
	case cuckoo.RemovedExpired:
		o.e.expirations.Inc()
	case cuckoo.RemovedFlushed:
		o.e.flushes.Inc()
	}
}
