// Package timewheel tracks item expiration with a hashed timing wheel.
//
// The wheel never owns items. It stores slot numbers handed to it by the
// cuckoo table and reports which of them have passed their deadline when it
// is advanced. Membership is kept in intrusive doubly linked lists indexed by
// slot, so scheduling, cancelling and moving an item never allocate.
//
// Deadlines further away than one revolution (tick * slots) are kept in the
// bucket their tick hashes to, together with their exact deadline, and are
// skipped until a later revolution reaches them. Advance yields an item if and
// only if its deadline is at or before now, and yields it exactly once.
package timewheel

import (
	"errors"
	"fmt"
	"time"

	"slimcache/internal/storage"
)

const none = int32(-1)

// ErrInvalidConfig is returned by New for a wheel that cannot be built
var ErrInvalidConfig = errors.New("invalid timing wheel configuration")

// Wheel is a single-owner hashed timing wheel. It is not safe for concurrent
// use.
type Wheel struct {
	tick   time.Duration
	slots  int64
	origin time.Time

	// every bucket for a tick below cursor has been drained
	cursor int64

	heads    []int32 // first member per bucket
	next     []int32 // per slot
	prev     []int32 // per slot
	bucket   []int32 // per slot, none when unscheduled
	deadline []int64 // per slot, nanoseconds since origin

	scheduled   uint64
	expired     uint64
	fullSweeps  uint64
	advanceRuns uint64
}

// Stats describes the wheel's state
type Stats struct {
	Tick        time.Duration `json:"tick"`
	Slots       int64         `json:"slots"`
	Revolution  time.Duration `json:"revolution"`
	Scheduled   uint64        `json:"scheduled"`
	Expired     uint64        `json:"expired"`
	FullSweeps  uint64        `json:"full_sweeps"`
	AdvanceRuns uint64        `json:"advance_runs"`
	Cursor      int64         `json:"cursor"`
}

// New creates a wheel able to track capacity slots, with the given tick
// granularity and number of buckets. origin anchors tick zero.
func New(capacity uint32, tick time.Duration, slots int, origin time.Time) (*Wheel, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: capacity must be greater than 0", ErrInvalidConfig)
	}
	if tick <= 0 {
		return nil, fmt.Errorf("%w: tick must be positive, got %v", ErrInvalidConfig, tick)
	}
	if slots <= 0 {
		return nil, fmt.Errorf("%w: slots must be greater than 0, got %d", ErrInvalidConfig, slots)
	}

	w := &Wheel{
		tick:     tick,
		slots:    int64(slots),
		origin:   origin,
		heads:    make([]int32, slots),
		next:     make([]int32, capacity),
		prev:     make([]int32, capacity),
		bucket:   make([]int32, capacity),
		deadline: make([]int64, capacity),
	}
	for i := range w.heads {
		w.heads[i] = none
	}
	for i := range w.bucket {
		w.next[i] = none
		w.prev[i] = none
		w.bucket[i] = none
	}
	return w, nil
}

// Revolution returns the time span covered by one pass over all buckets.
// Deadlines beyond it are still honoured, at the cost of being skipped over
// once per revolution.
func (w *Wheel) Revolution() time.Duration {
	return w.tick * time.Duration(w.slots)
}

// Schedule places slot in the bucket for expireAt, removing it from any bucket
// it was in before. A deadline that already passed lands in the current
// bucket and is reported by the next Advance.
func (w *Wheel) Schedule(slot storage.Slot, expireAt time.Time) {
	w.Cancel(slot)

	d := int64(expireAt.Sub(w.origin))
	t := w.tickOf(d)
	if t < w.cursor {
		t = w.cursor
	}

	w.link(slot, int32(t%w.slots), d)
	w.scheduled++
}

// Cancel removes slot from its bucket. It is a no-op for unscheduled slots.
func (w *Wheel) Cancel(slot storage.Slot) {
	if w.bucket[slot] == none {
		return
	}
	w.unlink(slot)
	w.scheduled--
}

// Move transfers the membership of from to to, keeping its deadline. It is
// used when the table relocates an item during a displacement chain.
func (w *Wheel) Move(from, to storage.Slot) {
	if from == to {
		return
	}
	w.Cancel(to)
	if w.bucket[from] == none {
		return
	}

	b := w.bucket[from]
	d := w.deadline[from]
	w.unlink(from)
	w.link(to, b, d)
}

// Scheduled reports whether slot is in a bucket and returns its deadline.
func (w *Wheel) Scheduled(slot storage.Slot) (time.Time, bool) {
	if w.bucket[slot] == none {
		return time.Time{}, false
	}
	return w.origin.Add(time.Duration(w.deadline[slot])), true
}

// Len returns the number of scheduled slots
func (w *Wheel) Len() int {
	return int(w.scheduled)
}

// Advance moves the cursor up to now and appends every slot whose deadline is
// at or before now to dst. Yielded slots are no longer scheduled; the caller
// is responsible for removing the corresponding items from the table.
//
// Callers are expected to advance at least once per revolution. A longer gap
// is detected and handled with a sweep over every bucket.
func (w *Wheel) Advance(now time.Time, dst []storage.Slot) []storage.Slot {
	w.advanceRuns++

	n := int64(now.Sub(w.origin))
	if n < 0 {
		return dst
	}

	target := w.tickOf(n)
	if target < w.cursor {
		target = w.cursor
	}

	span := target - w.cursor + 1
	if span > w.slots {
		span = w.slots
		w.fullSweeps++
	}

	for i := int64(0); i < span; i++ {
		dst = w.drain(int32((w.cursor+i)%w.slots), n, dst)
	}
	w.cursor = target
	return dst
}

// Reset drops every membership. The cursor keeps its position.
func (w *Wheel) Reset() {
	for i := range w.heads {
		w.heads[i] = none
	}
	for i := range w.bucket {
		w.next[i] = none
		w.prev[i] = none
		w.bucket[i] = none
	}
	w.scheduled = 0
}

// Stats returns a snapshot of wheel counters
func (w *Wheel) Stats() Stats {
	return Stats{
		Tick:        w.tick,
		Slots:       w.slots,
		Revolution:  w.Revolution(),
		Scheduled:   w.scheduled,
		Expired:     w.expired,
		FullSweeps:  w.fullSweeps,
		AdvanceRuns: w.advanceRuns,
		Cursor:      w.cursor,
	}
}

// drain yields every member of bucket b whose deadline is at or before n
func (w *Wheel) drain(b int32, n int64, dst []storage.Slot) []storage.Slot {
	for cur := w.heads[b]; cur != none; {
		nxt := w.next[cur]
		if w.deadline[cur] <= n {
			w.unlink(storage.Slot(cur))
			w.scheduled--
			w.expired++
			dst = append(dst, storage.Slot(cur))
		}
		cur = nxt
	}
	return dst
}

func (w *Wheel) tickOf(d int64) int64 {
	if d <= 0 {
		return 0
	}
	return d / int64(w.tick)
}

func (w *Wheel) link(slot storage.Slot, b int32, d int64) {
	head := w.heads[b]
	w.next[slot] = head
	w.prev[slot] = none
	if head != none {
		w.prev[head] = int32(slot)
	}
	w.heads[b] = int32(slot)
	w.bucket[slot] = b
	w.deadline[slot] = d
}

func (w *Wheel) unlink(slot storage.Slot) {
	b := w.bucket[slot]
	p, n := w.prev[slot], w.next[slot]
	if p != none {
		w.next[p] = n
	} else {
		w.heads[b] = n
	}
	if n != none {
		w.prev[n] = p
	}
	w.next[slot] = none
	w.prev[slot] = none
	w.bucket[slot] = none
	w.deadline[slot] = 0
}
