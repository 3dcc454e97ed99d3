package cuckoo

import (
	"errors"
	"fmt"
	"strings"

	"slimcache/internal/storage"
)

// Policy decides what happens when an insert finds no free slot within the
// displacement limit. It is fixed when the table is built.
type Policy int

const (
	// PolicyEvict removes the item at the end of the failed displacement chain
	// so the new key always gets a slot. Evictions are reported to the observer.
	PolicyEvict Policy = iota

	// PolicyReject refuses the insert with ErrFull and leaves the table as it was.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyEvict:
		return "evict"
	case PolicyReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evict", "":
		return PolicyEvict, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("unknown full-table policy %q (expected evict or reject)", s)
	}
}

// HashFunc returns the i-th hash of key. The table derives candidate slot i
// as HashFunc(key, i) modulo its capacity, so the function must be
// deterministic for the lifetime of the table.
type HashFunc func(key []byte, i int) uint64

// Config holds table construction parameters
type Config struct {
	Capacity    uint32   // number of slots
	ItemSize    uint32   // maximum key+value bytes per slot
	HashCount   int      // candidate slots per key
	MaxDisplace int      // maximum relocations per insert
	Policy      Policy   // behaviour once the displacement limit is reached
	Hash        HashFunc // nil selects seeded xxhash64
}

// DefaultConfig returns a configuration for a table of capacity slots
func DefaultConfig(capacity, itemSize uint32) Config {
	return Config{
		Capacity:    capacity,
		ItemSize:    itemSize,
		HashCount:   4,
		MaxDisplace: 2,
		Policy:      PolicyEvict,
	}
}

// Errors returned by table operations
var (
	ErrFull          = errors.New("no free slot within displacement limit")
	ErrValueTooLarge = storage.ErrValueTooLarge
	ErrInvalidKey    = errors.New("key cannot be empty")
	ErrConfigInvalid = errors.New("invalid cuckoo table configuration")
)

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Capacity == 0 {
		return fmt.Errorf("%w: capacity must be greater than 0", ErrConfigInvalid)
	}
	if c.ItemSize == 0 {
		return fmt.Errorf("%w: item size must be greater than 0", ErrConfigInvalid)
	}
	if c.HashCount < 2 {
		return fmt.Errorf("%w: at least 2 hash functions are required, got %d", ErrConfigInvalid, c.HashCount)
	}
	if c.MaxDisplace < 0 {
		return fmt.Errorf("%w: max displacement cannot be negative", ErrConfigInvalid)
	}
	if c.Policy != PolicyEvict && c.Policy != PolicyReject {
		return fmt.Errorf("%w: unknown policy %d", ErrConfigInvalid, c.Policy)
	}
	return nil
}
