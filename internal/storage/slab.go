package storage

import (
	"errors"
	"fmt"
)

// Slot is an opaque handle to one fixed-size slot of the slab.
// Every structure that refers to an item does so through its Slot.
type Slot uint32

// NoSlot marks the absence of a slot.
const NoSlot = Slot(^uint32(0))

var (
	// ErrValueTooLarge is returned when a payload does not fit in one slot
	ErrValueTooLarge = errors.New("item exceeds the configured slot size")

	// ErrInvalidGeometry is returned by Reserve for a zero-sized slab
	ErrInvalidGeometry = errors.New("slab capacity and item size must be greater than 0")
)

// SlabStore owns the value bytes of every item in the cache. The whole region
// is allocated once by Reserve and never grows. Slot i occupies the byte range
// [i*itemSize, (i+1)*itemSize) of the backing region.
//
// SlabStore is not safe for concurrent use; the engine that owns it serializes
// all access.
type SlabStore struct {
	data     []byte
	lengths  []uint32 // bytes in use per slot, 0 = empty
	capacity uint32
	itemSize uint32

	// Usage accounting
	usedSlots uint64
	usedBytes uint64
	writes    uint64
	clears    uint64
	moves     uint64
	oversized uint64
}

// SlabStats is a point-in-time view of slab usage
type SlabStats struct {
	Capacity     uint32  `json:"capacity"`
	ItemSize     uint32  `json:"item_size"`
	ReservedSize uint64  `json:"reserved_bytes"`
	UsedSlots    uint64  `json:"used_slots"`
	UsedBytes    uint64  `json:"used_bytes"`
	Utilization  float64 `json:"utilization"`
	Writes       uint64  `json:"writes"`
	Clears       uint64  `json:"clears"`
	Moves        uint64  `json:"moves"`
	Oversized    uint64  `json:"oversized_writes"`
}

// Reserve allocates a slab of capacity slots, each able to hold itemSize bytes.
func Reserve(capacity, itemSize uint32) (s *SlabStore, err error) {
	if capacity == 0 || itemSize == 0 {
		return nil, ErrInvalidGeometry
	}
	if capacity == uint32(NoSlot) {
		return nil, fmt.Errorf("slab capacity %d is reserved", capacity)
	}

	total := uint64(capacity) * uint64(itemSize)
	if total > uint64(maxInt) {
		return nil, fmt.Errorf("slab of %d x %d bytes exceeds addressable memory", capacity, itemSize)
	}

	// make panics when the runtime cannot satisfy the request
	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("failed to reserve %d bytes for slab: %v", total, r)
		}
	}()

	return &SlabStore{
		data:     make([]byte, total),
		lengths:  make([]uint32, capacity),
		capacity: capacity,
		itemSize: itemSize,
	}, nil
}

// Capacity returns the number of slots in the slab
func (s *SlabStore) Capacity() uint32 {
	return s.capacity
}

// ItemSize returns the maximum payload size of one slot
func (s *SlabStore) ItemSize() uint32 {
	return s.itemSize
}

// Fits reports whether a payload of n bytes fits in a slot
func (s *SlabStore) Fits(n int) bool {
	return n >= 0 && uint64(n) <= uint64(s.itemSize)
}

// Write copies parts back to back into slot, replacing its previous contents.
func (s *SlabStore) Write(slot Slot, parts ...[]byte) error {
	s.check(slot)

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if !s.Fits(total) {
		s.oversized++
		return ErrValueTooLarge
	}

	buf := s.region(slot)
	off := 0
	for _, p := range parts {
		off += copy(buf[off:], p)
	}

	prev := s.lengths[slot]
	if uint32(total) < prev {
		clear(buf[total:prev])
	}
	if prev == 0 && total > 0 {
		s.usedSlots++
	} else if prev > 0 && total == 0 {
		s.usedSlots--
	}
	s.usedBytes = s.usedBytes - uint64(prev) + uint64(total)
	s.lengths[slot] = uint32(total)
	s.writes++
	return nil
}

// Read returns the payload stored in slot. The returned slice aliases the slab
// and is only valid until the next Write, Clear or Move touching the slot.
func (s *SlabStore) Read(slot Slot) []byte {
	s.check(slot)
	return s.region(slot)[:s.lengths[slot]]
}

// Len returns the number of payload bytes stored in slot
func (s *SlabStore) Len(slot Slot) int {
	s.check(slot)
	return int(s.lengths[slot])
}

// Clear zeroes the used part of slot and marks it empty.
func (s *SlabStore) Clear(slot Slot) {
	s.check(slot)

	n := s.lengths[slot]
	if n == 0 {
		return
	}
	clear(s.region(slot)[:n])
	s.lengths[slot] = 0
	s.usedSlots--
	s.usedBytes -= uint64(n)
	s.clears++
}

// Move relocates the payload of src into dst and clears src.
func (s *SlabStore) Move(dst, src Slot) {
	s.check(dst)
	s.check(src)
	if dst == src {
		return
	}

	n := s.lengths[src]
	prev := s.lengths[dst]
	to := s.region(dst)
	copy(to, s.region(src)[:n])
	if n < prev {
		clear(to[n:prev])
	}
	s.lengths[dst] = n
	clear(s.region(src)[:n])
	s.lengths[src] = 0

	// src's bytes are now accounted to dst; only dst's old payload disappears
	s.usedBytes -= uint64(prev)
	if prev > 0 {
		s.usedSlots--
	}
	s.moves++
}

// Reset empties every slot.
func (s *SlabStore) Reset() {
	clear(s.data)
	clear(s.lengths)
	s.usedSlots = 0
	s.usedBytes = 0
}

// Stats returns usage statistics for the slab
func (s *SlabStore) Stats() SlabStats {
	reserved := uint64(s.capacity) * uint64(s.itemSize)
	return SlabStats{
		Capacity:     s.capacity,
		ItemSize:     s.itemSize,
		ReservedSize: reserved,
		UsedSlots:    s.usedSlots,
		UsedBytes:    s.usedBytes,
		Utilization:  float64(s.usedBytes) / float64(reserved),
		Writes:       s.writes,
		Clears:       s.clears,
		Moves:        s.moves,
		Oversized:    s.oversized,
	}
}

func (s *SlabStore) region(slot Slot) []byte {
	off := uint64(slot) * uint64(s.itemSize)
	return s.data[off : off+uint64(s.itemSize) : off+uint64(s.itemSize)]
}

// check panics on an out of range slot. Slots only come from the cuckoo table,
// so a bad one is a programming error rather than a runtime condition.
func (s *SlabStore) check(slot Slot) {
	if uint32(slot) >= s.capacity {
		panic(fmt.Sprintf("slab: slot %d out of range [0,%d)", slot, s.capacity))
	}
}

const maxInt = int(^uint(0) >> 1)
