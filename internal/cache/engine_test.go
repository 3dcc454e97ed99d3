package cache

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimcache/internal/cuckoo"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                  { return c.now }
func (c *fakeClock) Advance(d time.Duration)         { c.now = c.now.Add(d) }
func (c *fakeClock) After(d time.Duration) time.Time { return c.now.Add(d) }

func newEngine(t *testing.T, table cuckoo.Config) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e, err := New(Options{
		Table:      table,
		Tick:       100 * time.Millisecond,
		WheelSlots: 64,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return e, clock
}

func TestEngine_StoreAndGet(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	item, outcome, err := e.Store([]byte("k"), []byte("v"), 9, time.Time{}, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, cuckoo.Inserted, outcome)
	assert.Equal(t, uint32(9), item.Flags)

	got, ok := e.Get([]byte("k"), clock.Now())
	require.True(t, ok)
	assert.Equal(t, "v", string(got.Value))
	assert.Equal(t, item.CAS, got.CAS)

	assert.True(t, e.Delete([]byte("k"), clock.Now()))
	_, ok = e.Get([]byte("k"), clock.Now())
	assert.False(t, ok)
	require.NoError(t, e.CheckConsistency())
}

func TestEngine_ExpiresThroughMaintenance(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	_, _, err := e.Store([]byte("x"), []byte("v"), 0, clock.After(5*time.Second), clock.Now())
	require.NoError(t, err)

	clock.Advance(4900 * time.Millisecond)
	assert.Equal(t, 0, e.Maintain(clock.Now()))
	_, ok := e.Get([]byte("x"), clock.Now())
	assert.True(t, ok, "item must be readable before its deadline")

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, e.Maintain(clock.Now()))

	snap := e.Snapshot()
	assert.Equal(t, uint32(0), snap.Table.Items)
	assert.Equal(t, uint64(1), snap.Table.Expirations)
	assert.Equal(t, uint64(1), snap.Maintenance.Expired)
	assert.Equal(t, uint64(0), snap.Wheel.Scheduled)
	require.NoError(t, e.CheckConsistency())
}

func TestEngine_LazyExpiryCancelsWheelEntry(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	_, _, err := e.Store([]byte("x"), []byte("v"), 0, clock.After(time.Second), clock.Now())
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, ok := e.Get([]byte("x"), clock.Now())
	assert.False(t, ok)
	assert.Equal(t, uint64(0), e.Snapshot().Wheel.Scheduled)
	assert.Equal(t, 0, e.Maintain(clock.Now()), "nothing left for the wheel to expire")
}

func TestEngine_OverwriteClearsExpiry(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	_, _, err := e.Store([]byte("k"), []byte("a"), 0, clock.After(time.Second), clock.Now())
	require.NoError(t, err)
	_, _, err = e.Store([]byte("k"), []byte("b"), 0, time.Time{}, clock.Now())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, e.Maintain(clock.Now()))
	got, ok := e.Get([]byte("k"), clock.Now())
	require.True(t, ok)
	assert.Equal(t, "b", string(got.Value))
	require.NoError(t, e.CheckConsistency())
}

func TestEngine_TouchReschedules(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	_, _, err := e.Store([]byte("k"), []byte("v"), 0, clock.After(time.Second), clock.Now())
	require.NoError(t, err)
	require.True(t, e.Touch([]byte("k"), clock.After(10*time.Second), clock.Now()))

	clock.Advance(5 * time.Second)
	e.Maintain(clock.Now())
	_, ok := e.Get([]byte("k"), clock.Now())
	assert.True(t, ok)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, e.Maintain(clock.Now()))
	assert.False(t, e.Touch([]byte("k"), time.Time{}, clock.Now()))
}

// Relocations during displacement must carry the wheel entry along with the
// item so expiry still finds it.
func TestEngine_RelocationKeepsDeadline(t *testing.T) {
	cfg := cuckoo.Config{
		Capacity: 4, ItemSize: 32, HashCount: 2, MaxDisplace: 2, Policy: cuckoo.PolicyReject,
		Hash: func(key []byte, i int) uint64 {
			pairs := map[string][2]uint64{"A": {0, 1}, "B": {0, 2}, "C": {0, 2}}
			return pairs[string(key)][i]
		},
	}
	e, clock := newEngine(t, cfg)

	_, _, err := e.Store([]byte("A"), []byte("a"), 0, clock.After(3*time.Second), clock.Now())
	require.NoError(t, err)
	_, _, err = e.Store([]byte("B"), []byte("b"), 0, time.Time{}, clock.Now())
	require.NoError(t, err)
	// C displaces A from slot 0 to slot 1
	_, _, err = e.Store([]byte("C"), []byte("c"), 0, time.Time{}, clock.Now())
	require.NoError(t, err)
	require.NoError(t, e.CheckConsistency())

	item, ok := e.Get([]byte("A"), clock.Now())
	require.True(t, ok)
	assert.Equal(t, uint32(1), uint32(item.Slot))

	clock.Advance(3 * time.Second)
	assert.Equal(t, 1, e.Maintain(clock.Now()))
	_, ok = e.Get([]byte("C"), clock.Now())
	assert.True(t, ok, "C never expires")
	require.NoError(t, e.CheckConsistency())
}

func TestEngine_EvictionCancelsWheelEntry(t *testing.T) {
	cfg := cuckoo.Config{
		Capacity: 2, ItemSize: 32, HashCount: 2, MaxDisplace: 1, Policy: cuckoo.PolicyEvict,
		Hash: func(key []byte, i int) uint64 { return uint64(i) },
	}
	e, clock := newEngine(t, cfg)

	for i, k := range []string{"a", "b", "c"} {
		_, _, err := e.Store([]byte(k), []byte(k), 0, clock.After(time.Duration(i+1)*time.Hour), clock.Now())
		require.NoError(t, err)
		require.NoError(t, e.CheckConsistency())
	}

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.Table.Evictions)
	assert.Equal(t, uint64(2), snap.Wheel.Scheduled)
}

func TestEngine_DelayedFlush(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	for i := 0; i < 10; i++ {
		_, _, err := e.Store([]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0, clock.After(time.Hour), clock.Now())
		require.NoError(t, err)
	}

	e.FlushAt(clock.After(2 * time.Second))
	clock.Advance(time.Second)
	assert.Equal(t, 0, e.Maintain(clock.Now()))
	assert.Equal(t, uint32(10), e.Snapshot().Table.Items)

	clock.Advance(time.Second)
	assert.Equal(t, 10, e.Maintain(clock.Now()))
	snap := e.Snapshot()
	assert.Equal(t, uint32(0), snap.Table.Items)
	assert.True(t, snap.Maintenance.PendingFlush.IsZero())
	require.NoError(t, e.CheckConsistency())
}

func TestEngine_ValueTooLarge(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(16, 16))

	_, _, err := e.Store([]byte("key"), bytes.Repeat([]byte("v"), 14), 0, time.Time{}, clock.Now())
	assert.ErrorIs(t, err, cuckoo.ErrValueTooLarge)
	assert.Equal(t, uint32(16), e.ItemSize())
}

func TestEngine_Metrics(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(128, 64))

	_, _, err := e.Store([]byte("x"), []byte("v"), 0, clock.After(time.Second), clock.Now())
	require.NoError(t, err)
	_, _, err = e.Store([]byte("y"), []byte("v"), 0, time.Time{}, clock.Now())
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	e.Maintain(clock.Now())

	var buf bytes.Buffer
	e.Metrics().WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, "slimcache_items 1")
	assert.Contains(t, out, "slimcache_capacity_items 128")
	assert.Contains(t, out, "slimcache_expirations_total 1")
	assert.Contains(t, out, "slimcache_maintenance_runs_total 1")
	assert.True(t, strings.Contains(out, "slimcache_evictions_total 0"))
}

func TestEngine_RandomWorkloadStaysConsistent(t *testing.T) {
	e, clock := newEngine(t, cuckoo.DefaultConfig(256, 48))
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 4000; i++ {
		key := []byte(fmt.Sprintf("key-%d", rng.Intn(400)))
		switch rng.Intn(6) {
		case 0, 1, 2:
			var expireAt time.Time
			if rng.Intn(2) == 0 {
				expireAt = clock.After(time.Duration(rng.Intn(5000)) * time.Millisecond)
			}
			_, _, err := e.Store(key, []byte("value"), 0, expireAt, clock.Now())
			require.NoError(t, err)
		case 3:
			e.Delete(key, clock.Now())
		case 4:
			e.Touch(key, clock.After(time.Duration(rng.Intn(3000))*time.Millisecond), clock.Now())
		case 5:
			clock.Advance(time.Duration(rng.Intn(300)) * time.Millisecond)
			e.Maintain(clock.Now())
		}

		if i%200 == 0 {
			require.NoError(t, e.CheckConsistency(), "operation %d", i)
		}
	}
	require.NoError(t, e.CheckConsistency())
}
