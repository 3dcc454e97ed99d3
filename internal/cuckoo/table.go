// Package cuckoo implements the fixed-capacity hash table that indexes every
// item in the cache.
//
// Each key has HashCount candidate slots. A key always lives in one of its
// candidates; an insert that finds all of them taken walks a bounded
// displacement chain, moving occupants to their own alternative candidates
// until a free slot is reached. When the chain limit is hit the table's
// Policy decides between rejecting the insert and evicting an item.
//
// Item payloads (key followed by value) are stored in a storage.SlabStore
// addressed by the same slot number, so moving an item moves its payload.
// Structures that refer to items by slot learn about moves and removals
// through an Observer.
package cuckoo

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"slimcache/internal/storage"
)

// RemoveReason tells an Observer why an item left the table
type RemoveReason int

const (
	RemovedDeleted RemoveReason = iota
	RemovedExpired
	RemovedEvicted
	RemovedFlushed
)

func (r RemoveReason) String() string {
	switch r {
	case RemovedDeleted:
		return "deleted"
	case RemovedExpired:
		return "expired"
	case RemovedEvicted:
		return "evicted"
	case RemovedFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Observer mirrors slot lifecycle events into structures that hold slot
// back-references, such as the timing wheel.
type Observer interface {
	Relocated(from, to storage.Slot)
	Removed(slot storage.Slot, reason RemoveReason)
}

// Outcome distinguishes a net-new insert from an in-place update
type Outcome int

const (
	Inserted Outcome = iota
	Updated
)

const never = int64(math.MaxInt64)

// entry is the per-slot metadata; the payload lives in the slab
type entry struct {
	used   bool
	klen   uint32
	flags  uint32
	cas    uint64
	expire int64 // nanoseconds since epoch, never when unset
}

// Item is a read-only view of a stored item. Key and Value alias the slab and
// are only valid until the table is mutated.
type Item struct {
	Slot     storage.Slot
	Key      []byte
	Value    []byte
	Flags    uint32
	CAS      uint64
	ExpireAt time.Time // zero when the item never expires
}

// Stats holds table counters
type Stats struct {
	Capacity      uint32  `json:"capacity"`
	Items         uint32  `json:"items"`
	LoadFactor    float64 `json:"load_factor"`
	HashCount     int     `json:"hash_count"`
	MaxDisplace   int     `json:"max_displace"`
	Policy        string  `json:"policy"`
	Lookups       uint64  `json:"lookups"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Inserts       uint64  `json:"inserts"`
	Updates       uint64  `json:"updates"`
	Deletes       uint64  `json:"deletes"`
	Expirations   uint64  `json:"expirations"`
	Evictions     uint64  `json:"evictions"`
	Displacements uint64  `json:"displacements"`
	LongestChain  int     `json:"longest_chain"`
	RejectedFull  uint64  `json:"rejected_full"`
	RejectedLarge uint64  `json:"rejected_too_large"`
}

// Table is a single-owner cuckoo hash table. None of its methods block or
// allocate once the table is built; it is not safe for concurrent use.
type Table struct {
	entries  []entry
	slab     *storage.SlabStore
	capacity uint32
	k        int
	maxChain int
	policy   Policy
	hash     HashFunc
	epoch    time.Time
	observer Observer

	count   uint32
	nextCAS uint64

	// scratch buffers reused across calls
	cand []storage.Slot
	alt  []storage.Slot
	path []storage.Slot

	stats Stats
}

// New builds a table and reserves its slab. epoch anchors the table's expiry
// arithmetic and should come from the same clock as the times passed in later.
func New(cfg Config, epoch time.Time) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slab, err := storage.Reserve(cfg.Capacity, cfg.ItemSize)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve item storage: %w", err)
	}

	hash := cfg.Hash
	if hash == nil {
		hash = newSeededHash()
	}

	return &Table{
		entries:  make([]entry, cfg.Capacity),
		slab:     slab,
		capacity: cfg.Capacity,
		k:        cfg.HashCount,
		maxChain: cfg.MaxDisplace,
		policy:   cfg.Policy,
		hash:     hash,
		epoch:    epoch,
		cand:     make([]storage.Slot, 0, cfg.HashCount),
		alt:      make([]storage.Slot, 0, cfg.HashCount),
		path:     make([]storage.Slot, 0, cfg.MaxDisplace+2),
		stats: Stats{
			Capacity:    cfg.Capacity,
			HashCount:   cfg.HashCount,
			MaxDisplace: cfg.MaxDisplace,
			Policy:      cfg.Policy.String(),
		},
	}, nil
}

// newSeededHash returns a HashFunc backed by one reusable xxhash digest,
// seeded with the hash index.
func newSeededHash() HashFunc {
	d := xxhash.NewWithSeed(0)
	return func(key []byte, i int) uint64 {
		d.ResetWithSeed(uint64(i))
		d.Write(key)
		return d.Sum64()
	}
}

// SetObserver registers the observer notified of relocations and removals
func (t *Table) SetObserver(o Observer) {
	t.observer = o
}

// Capacity returns the number of slots
func (t *Table) Capacity() uint32 {
	return t.capacity
}

// Len returns the number of live items
func (t *Table) Len() uint32 {
	return t.count
}

// Policy returns the table's full-table policy
func (t *Table) Policy() Policy {
	return t.policy
}

// Slab exposes the backing store for statistics
func (t *Table) Slab() *storage.SlabStore {
	return t.slab
}

// Lookup returns the slot holding key. An item whose expiry is at or before now
// is removed on the spot and reported as missing.
func (t *Table) Lookup(key []byte, now time.Time) (storage.Slot, bool) {
	t.stats.Lookups++

	slot, ok := t.find(key)
	if ok && t.expired(slot, now) {
		t.remove(slot, RemovedExpired)
		ok = false
	}

	if ok {
		t.stats.Hits++
	} else {
		t.stats.Misses++
	}
	return slot, ok
}

// Get returns a view of the item in slot. The slot must be occupied.
func (t *Table) Get(slot storage.Slot) Item {
	e := &t.entries[slot]
	if !e.used {
		panic(fmt.Sprintf("cuckoo: get on empty slot %d", slot))
	}

	payload := t.slab.Read(slot)
	item := Item{
		Slot:  slot,
		Key:   payload[:e.klen:e.klen],
		Value: payload[e.klen:],
		Flags: e.flags,
		CAS:   e.cas,
	}
	if e.expire != never {
		item.ExpireAt = t.epoch.Add(time.Duration(e.expire))
	}
	return item
}

// Occupied reports whether slot holds an item
func (t *Table) Occupied(slot storage.Slot) bool {
	return uint32(slot) < t.capacity && t.entries[slot].used
}

// InsertOrUpdate stores key with value. An existing key is overwritten in place
// and never displaces anything. A new key takes a free candidate slot, or one
// freed by a displacement chain of at most MaxDisplace relocations. When no
// chain succeeds the table's policy applies: ErrFull, or eviction of the item
// at the end of the chain.
//
// A zero expireAt means the item never expires.
func (t *Table) InsertOrUpdate(key, value []byte, flags uint32, expireAt, now time.Time) (storage.Slot, Outcome, error) {
	if len(key) == 0 {
		return storage.NoSlot, Inserted, ErrInvalidKey
	}
	if !t.slab.Fits(len(key) + len(value)) {
		t.stats.RejectedLarge++
		return storage.NoSlot, Inserted, ErrValueTooLarge
	}

	cands := t.candidates(key, t.cand[:0])

	free := storage.NoSlot
	for _, c := range cands {
		if !t.entries[c].used {
			if free == storage.NoSlot {
				free = c
			}
			continue
		}
		if bytes.Equal(t.keyAt(c), key) {
			if !t.expired(c, now) {
				t.store(c, key, value, flags, expireAt)
				t.stats.Updates++
				return c, Updated, nil
			}
			t.remove(c, RemovedExpired)
			if free == storage.NoSlot {
				free = c
			}
		}
	}

	// an expired occupant is as good as a free slot
	if free == storage.NoSlot {
		for _, c := range cands {
			if t.expired(c, now) {
				t.remove(c, RemovedExpired)
				free = c
				break
			}
		}
	}

	if free == storage.NoSlot {
		path, ok := t.search(cands[0], now)
		last := path[len(path)-1]
		switch {
		case ok && t.entries[last].used:
			t.remove(last, RemovedExpired)
		case !ok && t.policy == PolicyReject:
			t.stats.RejectedFull++
			return storage.NoSlot, Inserted, ErrFull
		case !ok:
			t.remove(last, RemovedEvicted)
		}

		// shift the chain towards its free end so every key stays reachable
		for i := len(path) - 1; i > 0; i-- {
			t.relocate(path[i-1], path[i])
		}
		if chain := len(path) - 1; chain > t.stats.LongestChain {
			t.stats.LongestChain = chain
		}
		free = path[0]
	}

	t.store(free, key, value, flags, expireAt)
	t.count++
	t.stats.Inserts++
	return free, Inserted, nil
}

// Touch replaces the expiry of key without touching its value or CAS.
func (t *Table) Touch(key []byte, expireAt, now time.Time) (storage.Slot, bool) {
	slot, ok := t.find(key)
	if !ok {
		return storage.NoSlot, false
	}
	if t.expired(slot, now) {
		t.remove(slot, RemovedExpired)
		return storage.NoSlot, false
	}
	t.entries[slot].expire = t.deadline(expireAt)
	return slot, true
}

// Delete removes key. It returns false when the key is absent or already
// expired.
func (t *Table) Delete(key []byte, now time.Time) bool {
	slot, ok := t.find(key)
	if !ok {
		return false
	}
	if t.expired(slot, now) {
		t.remove(slot, RemovedExpired)
		return false
	}
	t.remove(slot, RemovedDeleted)
	t.stats.Deletes++
	return true
}

// DeleteSlot removes whatever item occupies slot
func (t *Table) DeleteSlot(slot storage.Slot) bool {
	if !t.Occupied(slot) {
		return false
	}
	t.remove(slot, RemovedDeleted)
	t.stats.Deletes++
	return true
}

// ExpireSlot removes the item in slot if it has expired by now. Slots handed
// back by the timing wheel go through here, which re-validates the
// back-reference before acting on it.
func (t *Table) ExpireSlot(slot storage.Slot, now time.Time) bool {
	if !t.Occupied(slot) || !t.expired(slot, now) {
		return false
	}
	t.remove(slot, RemovedExpired)
	return true
}

// Flush removes every item
func (t *Table) Flush() int {
	removed := 0
	for i := range t.entries {
		if t.entries[i].used {
			t.remove(storage.Slot(i), RemovedFlushed)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the table counters
func (t *Table) Stats() Stats {
	s := t.stats
	s.Items = t.count
	s.LoadFactor = float64(t.count) / float64(t.capacity)
	return s
}

// Candidates appends the candidate slots of key to dst
func (t *Table) Candidates(key []byte, dst []storage.Slot) []storage.Slot {
	return t.candidates(key, dst)
}

// CheckInvariants walks the whole table and reports the first broken
// invariant. It is meant for tests and debugging, never for request handling.
func (t *Table) CheckInvariants() error {
	seen := make(map[string]storage.Slot, t.count)
	var live uint32
	var cands []storage.Slot

	for i := range t.entries {
		e := &t.entries[i]
		slot := storage.Slot(i)
		if !e.used {
			if t.slab.Len(slot) != 0 {
				return fmt.Errorf("empty slot %d holds %d payload bytes", slot, t.slab.Len(slot))
			}
			continue
		}
		live++

		key := t.keyAt(slot)
		if prev, dup := seen[string(key)]; dup {
			return fmt.Errorf("key %q stored in slots %d and %d", key, prev, slot)
		}
		seen[string(key)] = slot

		cands = t.candidates(key, cands[:0])
		home := false
		for _, c := range cands {
			if c == slot {
				home = true
				break
			}
		}
		if !home {
			return fmt.Errorf("key %q in slot %d outside its candidates %v", key, slot, cands)
		}
	}

	if live != t.count {
		return fmt.Errorf("item count %d does not match %d occupied slots", t.count, live)
	}
	if live > t.capacity {
		return fmt.Errorf("item count %d exceeds capacity %d", live, t.capacity)
	}
	return nil
}

// search walks a displacement chain from start. Each step looks for a free
// (or expired) alternative for the occupant of the last slot; failing that it
// follows the occupant's first alternative not already on the chain. The
// returned path ends in the usable slot when ok is true, and in the slot whose
// occupant must make way otherwise.
func (t *Table) search(start storage.Slot, now time.Time) (path []storage.Slot, ok bool) {
	path = append(t.path[:0], start)
	defer func() { t.path = path }()

	for len(path) <= t.maxChain {
		cur := path[len(path)-1]
		t.alt = t.candidates(t.keyAt(cur), t.alt[:0])

		next := storage.NoSlot
		for _, c := range t.alt {
			if c == cur || onPath(path, c) {
				continue
			}
			if !t.entries[c].used || t.expired(c, now) {
				return append(path, c), true
			}
			if next == storage.NoSlot {
				next = c
			}
		}
		if next == storage.NoSlot {
			break
		}
		path = append(path, next)
	}
	return path, false
}

func onPath(path []storage.Slot, s storage.Slot) bool {
	for _, p := range path {
		if p == s {
			return true
		}
	}
	return false
}

func (t *Table) candidates(key []byte, dst []storage.Slot) []storage.Slot {
	for i := 0; i < t.k; i++ {
		dst = append(dst, storage.Slot(t.hash(key, i)%uint64(t.capacity)))
	}
	return dst
}

func (t *Table) find(key []byte) (storage.Slot, bool) {
	t.cand = t.candidates(key, t.cand[:0])
	for _, c := range t.cand {
		if t.entries[c].used && bytes.Equal(t.keyAt(c), key) {
			return c, true
		}
	}
	return storage.NoSlot, false
}

func (t *Table) keyAt(slot storage.Slot) []byte {
	return t.slab.Read(slot)[:t.entries[slot].klen]
}

func (t *Table) expired(slot storage.Slot, now time.Time) bool {
	e := &t.entries[slot]
	return e.used && e.expire != never && e.expire <= int64(now.Sub(t.epoch))
}

func (t *Table) deadline(expireAt time.Time) int64 {
	if expireAt.IsZero() {
		return never
	}
	return int64(expireAt.Sub(t.epoch))
}

func (t *Table) store(slot storage.Slot, key, value []byte, flags uint32, expireAt time.Time) {
	if err := t.slab.Write(slot, key, value); err != nil {
		// sizes were checked on entry
		panic(fmt.Sprintf("cuckoo: slab write to slot %d failed: %v", slot, err))
	}
	t.nextCAS++
	t.entries[slot] = entry{
		used:   true,
		klen:   uint32(len(key)),
		flags:  flags,
		cas:    t.nextCAS,
		expire: t.deadline(expireAt),
	}
}

func (t *Table) relocate(from, to storage.Slot) {
	t.entries[to] = t.entries[from]
	t.entries[from] = entry{}
	t.slab.Move(to, from)
	t.stats.Displacements++
	if t.observer != nil {
		t.observer.Relocated(from, to)
	}
}

func (t *Table) remove(slot storage.Slot, reason RemoveReason) {
	t.entries[slot] = entry{}
	t.slab.Clear(slot)
	t.count--

	switch reason {
	case RemovedExpired:
		t.stats.Expirations++
	case RemovedEvicted:
		t.stats.Evictions++
	}
	if t.observer != nil {
		t.observer.Removed(slot, reason)
	}
}
