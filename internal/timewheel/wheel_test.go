package timewheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimcache/internal/storage"
)

var origin = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time {
	return origin.Add(d)
}

func newWheel(t *testing.T, capacity uint32, tick time.Duration, slots int) *Wheel {
	t.Helper()
	w, err := New(capacity, tick, slots, origin)
	require.NoError(t, err)
	return w
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(0, time.Second, 8, origin)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(8, 0, 8, origin)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(8, time.Second, 0, origin)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWheel_ExpiresAtDeadline(t *testing.T) {
	w := newWheel(t, 16, time.Second, 8)

	w.Schedule(3, at(5*time.Second))

	assert.Empty(t, w.Advance(at(4900*time.Millisecond), nil))
	assert.Equal(t, []storage.Slot{3}, w.Advance(at(5100*time.Millisecond), nil))
	assert.Empty(t, w.Advance(at(6*time.Second), nil))
	assert.Equal(t, 0, w.Len())
}

func TestWheel_NoEarlyExpiryWithinTick(t *testing.T) {
	w := newWheel(t, 16, time.Second, 8)

	// deadline in the middle of a tick
	w.Schedule(1, at(2300*time.Millisecond))

	assert.Empty(t, w.Advance(at(2100*time.Millisecond), nil), "deadline not reached yet")
	assert.Equal(t, []storage.Slot{1}, w.Advance(at(2300*time.Millisecond), nil))
}

func TestWheel_AdvanceIsIdempotent(t *testing.T) {
	w := newWheel(t, 16, 100*time.Millisecond, 16)

	w.Schedule(0, at(time.Second))
	w.Schedule(1, at(time.Second))

	first := w.Advance(at(2*time.Second), nil)
	assert.ElementsMatch(t, []storage.Slot{0, 1}, first)

	assert.Empty(t, w.Advance(at(2*time.Second), nil))
	assert.Empty(t, w.Advance(at(1500*time.Millisecond), nil), "time moving backwards yields nothing")
}

func TestWheel_Cancel(t *testing.T) {
	w := newWheel(t, 8, time.Second, 4)

	w.Schedule(2, at(time.Second))
	w.Cancel(2)
	w.Cancel(2) // no-op
	w.Cancel(5) // never scheduled

	_, ok := w.Scheduled(2)
	assert.False(t, ok)
	assert.Empty(t, w.Advance(at(10*time.Second), nil))
}

func TestWheel_RescheduleReplacesBucket(t *testing.T) {
	w := newWheel(t, 8, time.Second, 8)

	w.Schedule(4, at(2*time.Second))
	w.Schedule(4, at(6*time.Second))
	assert.Equal(t, 1, w.Len())

	assert.Empty(t, w.Advance(at(3*time.Second), nil))
	assert.Equal(t, []storage.Slot{4}, w.Advance(at(6*time.Second), nil))
}

func TestWheel_BeyondOneRevolution(t *testing.T) {
	// 4 buckets of 1s: a 10s deadline wraps around twice
	w := newWheel(t, 8, time.Second, 4)
	require.Equal(t, 4*time.Second, w.Revolution())

	w.Schedule(7, at(10*time.Second))

	for s := 1; s < 10; s++ {
		assert.Empty(t, w.Advance(at(time.Duration(s)*time.Second), nil), "second %d", s)
	}
	assert.Equal(t, []storage.Slot{7}, w.Advance(at(10*time.Second), nil))
}

func TestWheel_LongGapSweepsEverything(t *testing.T) {
	w := newWheel(t, 8, time.Second, 4)

	w.Schedule(0, at(1*time.Second))
	w.Schedule(1, at(3*time.Second))
	w.Schedule(2, at(6*time.Second))
	w.Schedule(3, at(30*time.Second))

	// skip far more than one revolution
	got := w.Advance(at(20*time.Second), nil)
	assert.ElementsMatch(t, []storage.Slot{0, 1, 2}, got)
	assert.Equal(t, uint64(1), w.Stats().FullSweeps)

	assert.Equal(t, []storage.Slot{3}, w.Advance(at(30*time.Second), nil))
}

func TestWheel_PastDeadline(t *testing.T) {
	w := newWheel(t, 8, time.Second, 8)

	w.Advance(at(5*time.Second), nil)
	w.Schedule(1, at(2*time.Second))

	assert.Equal(t, []storage.Slot{1}, w.Advance(at(5*time.Second), nil))
}

func TestWheel_Move(t *testing.T) {
	w := newWheel(t, 8, time.Second, 8)

	w.Schedule(1, at(3*time.Second))
	w.Move(1, 6)

	_, ok := w.Scheduled(1)
	assert.False(t, ok)
	deadline, ok := w.Scheduled(6)
	require.True(t, ok)
	assert.Equal(t, at(3*time.Second), deadline)

	// moving an unscheduled slot clears the destination
	w.Schedule(2, at(time.Second))
	w.Move(3, 2)
	_, ok = w.Scheduled(2)
	assert.False(t, ok)

	assert.Equal(t, []storage.Slot{6}, w.Advance(at(4*time.Second), nil))
}

func TestWheel_ExactlyOnceUnderRegularCadence(t *testing.T) {
	const n = 64
	w := newWheel(t, n, 50*time.Millisecond, 16)

	for i := 0; i < n; i++ {
		w.Schedule(storage.Slot(i), at(time.Duration(i*37)*time.Millisecond))
	}

	seen := make(map[storage.Slot]int)
	var buf []storage.Slot
	for now := time.Duration(0); now <= 3*time.Second; now += 50 * time.Millisecond {
		buf = w.Advance(at(now), buf[:0])
		for _, s := range buf {
			seen[s]++
			deadline := time.Duration(int(s)*37) * time.Millisecond
			assert.LessOrEqual(t, deadline, now, "slot %d expired early", s)
		}
	}

	assert.Len(t, seen, n)
	for s, count := range seen {
		assert.Equal(t, 1, count, "slot %d yielded %d times", s, count)
	}
}

func TestWheel_Reset(t *testing.T) {
	w := newWheel(t, 8, time.Second, 4)
	w.Schedule(0, at(time.Second))
	w.Schedule(1, at(2*time.Second))

	w.Reset()

	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Advance(at(5*time.Second), nil))
}
