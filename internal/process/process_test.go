package process

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimcache/internal/cache"
	"slimcache/internal/cuckoo"
	"slimcache/internal/klog"
	"slimcache/internal/protocol/memcache"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newProcessor(t *testing.T, opts Options) (*Processor, *cache.Engine, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	engine, err := cache.New(cache.Options{
		Table:      cuckoo.DefaultConfig(256, 64),
		Tick:       100 * time.Millisecond,
		WheelSlots: 128,
		Clock:      c.Now,
	})
	require.NoError(t, err)
	return New(engine, opts), engine, c
}

func keys(ks ...string) [][]byte {
	out := make([][]byte, len(ks))
	for i, k := range ks {
		out[i] = []byte(k)
	}
	return out
}

func set(key, value string, exptime int64) *memcache.Request {
	return &memcache.Request{Verb: memcache.VerbSet, Keys: keys(key), Exptime: exptime, Value: []byte(value)}
}

func get(ks ...string) *memcache.Request {
	return &memcache.Request{Verb: memcache.VerbGet, Keys: keys(ks...)}
}

func TestProcess_SetGet(t *testing.T) {
	p, _, _ := newProcessor(t, Options{})

	resp := p.Process(&memcache.Request{Verb: memcache.VerbSet, Keys: keys("foo"), Flags: 42, Value: []byte("bar")})
	assert.Equal(t, memcache.KindStored, resp.Kind)

	resp = p.Process(get("foo", "missing"))
	require.Equal(t, memcache.KindValues, resp.Kind)
	require.Len(t, resp.Values, 1)
	assert.Equal(t, "foo", string(resp.Values[0].Key))
	assert.Equal(t, "bar", string(resp.Values[0].Data))
	assert.Equal(t, uint32(42), resp.Values[0].Flags)
	assert.False(t, resp.WithCAS)
}

func TestProcess_ExpiresAfterTTL(t *testing.T) {
	p, engine, c := newProcessor(t, Options{})

	require.Equal(t, memcache.KindStored, p.Process(set("x", "v", 5)).Kind)

	c.now = c.now.Add(4900 * time.Millisecond)
	engine.Maintain(c.now)
	assert.Len(t, p.Process(get("x")).Values, 1)

	c.now = c.now.Add(200 * time.Millisecond)
	assert.Equal(t, 1, engine.Maintain(c.now))
	assert.Empty(t, p.Process(get("x")).Values)
	require.NoError(t, engine.CheckConsistency())
}

func TestProcess_AddReplace(t *testing.T) {
	p, _, _ := newProcessor(t, Options{})

	replace := &memcache.Request{Verb: memcache.VerbReplace, Keys: keys("k"), Value: []byte("r")}
	add := &memcache.Request{Verb: memcache.VerbAdd, Keys: keys("k"), Value: []byte("a")}

	assert.Equal(t, memcache.KindNotStored, p.Process(replace).Kind)
	assert.Equal(t, memcache.KindStored, p.Process(add).Kind)
	assert.Equal(t, memcache.KindNotStored, p.Process(add).Kind)
	assert.Equal(t, memcache.KindStored, p.Process(replace).Kind)

	resp := p.Process(get("k"))
	require.Len(t, resp.Values, 1)
	assert.Equal(t, "r", string(resp.Values[0].Data))
}

func TestProcess_CAS(t *testing.T) {
	p, _, _ := newProcessor(t, Options{})

	cas := &memcache.Request{Verb: memcache.VerbCAS, Keys: keys("k"), Value: []byte("new"), CAS: 1}
	assert.Equal(t, memcache.KindNotFound, p.Process(cas).Kind)

	p.Process(set("k", "old", 0))
	resp := p.Process(&memcache.Request{Verb: memcache.VerbGets, Keys: keys("k")})
	require.Len(t, resp.Values, 1)
	assert.True(t, resp.WithCAS)
	unique := resp.Values[0].CAS

	cas.CAS = unique + 1
	assert.Equal(t, memcache.KindExists, p.Process(cas).Kind)

	cas.CAS = unique
	assert.Equal(t, memcache.KindStored, p.Process(cas).Kind)
	assert.Equal(t, memcache.KindExists, p.Process(cas).Kind, "cas value changes on every store")
}

func TestProcess_IncrDecr(t *testing.T) {
	p, _, _ := newProcessor(t, Options{})

	incr := func(key string, delta uint64) *memcache.Response {
		return p.Process(&memcache.Request{Verb: memcache.VerbIncr, Keys: keys(key), Delta: delta})
	}
	decr := func(key string, delta uint64) *memcache.Response {
		return p.Process(&memcache.Request{Verb: memcache.VerbDecr, Keys: keys(key), Delta: delta})
	}

	assert.Equal(t, memcache.KindNotFound, incr("n", 1).Kind)

	p.Process(&memcache.Request{Verb: memcache.VerbSet, Keys: keys("n"), Flags: 7, Value: []byte("10")})
	resp := incr("n", 5)
	assert.Equal(t, memcache.KindNumeric, resp.Kind)
	assert.Equal(t, uint64(15), resp.Number)

	assert.Equal(t, uint64(3), decr("n", 12).Number)
	assert.Equal(t, uint64(0), decr("n", 100).Number, "decr floors at zero")

	got := p.Process(get("n"))
	require.Len(t, got.Values, 1)
	assert.Equal(t, "0", string(got.Values[0].Data))
	assert.Equal(t, uint32(7), got.Values[0].Flags, "flags survive arithmetic")

	p.Process(set("max", strconv.FormatUint(^uint64(0), 10), 0))
	assert.Equal(t, uint64(1), incr("max", 2).Number, "incr wraps at 64 bits")

	p.Process(set("text", "abc", 0))
	resp = incr("text", 1)
	assert.Equal(t, memcache.KindClientError, resp.Kind)
	assert.Equal(t, msgNonNumeric, resp.Text)
}

func TestProcess_IncrKeepsExpiry(t *testing.T) {
	p, engine, c := newProcessor(t, Options{})

	p.Process(set("n", "1", 10))
	p.Process(&memcache.Request{Verb: memcache.VerbIncr, Keys: keys("n"), Delta: 1})

	item, ok := engine.Get([]byte("n"), c.now)
	require.True(t, ok)
	assert.True(t, item.ExpireAt.Equal(c.now.Add(10*time.Second)))
	require.NoError(t, engine.CheckConsistency())
}

func TestProcess_DeleteTouch(t *testing.T) {
	p, engine, c := newProcessor(t, Options{})

	del := &memcache.Request{Verb: memcache.VerbDelete, Keys: keys("k")}
	touch := &memcache.Request{Verb: memcache.VerbTouch, Keys: keys("k"), Exptime: 100}

	assert.Equal(t, memcache.KindNotFound, p.Process(del).Kind)
	assert.Equal(t, memcache.KindNotFound, p.Process(touch).Kind)

	p.Process(set("k", "v", 1))
	assert.Equal(t, memcache.KindTouched, p.Process(touch).Kind)

	c.now = c.now.Add(2 * time.Second)
	engine.Maintain(c.now)
	assert.Len(t, p.Process(get("k")).Values, 1, "touch extended the deadline")

	assert.Equal(t, memcache.KindDeleted, p.Process(del).Kind)
	assert.Empty(t, p.Process(get("k")).Values)
}

func TestProcess_NegativeExptime(t *testing.T) {
	p, engine, _ := newProcessor(t, Options{})

	p.Process(set("k", "v", 0))
	assert.Equal(t, memcache.KindStored, p.Process(set("k", "w", -1)).Kind)
	assert.Empty(t, p.Process(get("k")).Values)

	p.Process(set("t", "v", 0))
	assert.Equal(t, memcache.KindTouched, p.Process(&memcache.Request{Verb: memcache.VerbTouch, Keys: keys("t"), Exptime: -1}).Kind)
	assert.Empty(t, p.Process(get("t")).Values)
	require.NoError(t, engine.CheckConsistency())
}

func TestProcess_FlushAll(t *testing.T) {
	p, engine, c := newProcessor(t, Options{})

	for i := 0; i < 5; i++ {
		p.Process(set("k"+strconv.Itoa(i), "v", 0))
	}

	resp := p.Process(&memcache.Request{Verb: memcache.VerbFlushAll, Delay: 2})
	assert.Equal(t, memcache.KindOK, resp.Kind)
	assert.Len(t, p.Process(get("k0", "k1")).Values, 2, "delayed flush has not run yet")

	c.now = c.now.Add(2 * time.Second)
	assert.Equal(t, 5, engine.Maintain(c.now))
	assert.Empty(t, p.Process(get("k0", "k1")).Values)

	p.Process(set("k", "v", 0))
	p.Process(&memcache.Request{Verb: memcache.VerbFlushAll})
	assert.Empty(t, p.Process(get("k")).Values)
}

func TestProcess_Errors(t *testing.T) {
	p, engine, _ := newProcessor(t, Options{})

	big := strings.Repeat("x", int(engine.ItemSize()))
	assert.Equal(t, memcache.KindValueTooLarge, p.Process(set("k", big, 0)).Kind)

	for _, v := range []memcache.Verb{memcache.VerbAppend, memcache.VerbPrepend} {
		resp := p.Process(&memcache.Request{Verb: v, Keys: keys("k"), Value: []byte("v")})
		assert.Equal(t, memcache.KindNotSupported, resp.Kind, v.String())
	}

	assert.Equal(t, memcache.KindError, p.Process(&memcache.Request{Verb: memcache.VerbUnknown}).Kind)
}

func TestProcess_TableFull(t *testing.T) {
	c := &clock{now: time.Unix(1_000_000, 0)}
	cfg := cuckoo.Config{
		Capacity: 2, ItemSize: 32, HashCount: 2, MaxDisplace: 1, Policy: cuckoo.PolicyReject,
		Hash: func(key []byte, i int) uint64 { return uint64(i) },
	}
	engine, err := cache.New(cache.Options{Table: cfg, Tick: time.Second, WheelSlots: 8, Clock: c.Now})
	require.NoError(t, err)
	p := New(engine, Options{})

	assert.Equal(t, memcache.KindStored, p.Process(set("a", "1", 0)).Kind)
	assert.Equal(t, memcache.KindStored, p.Process(set("b", "2", 0)).Kind)
	assert.Equal(t, memcache.KindFull, p.Process(set("c", "3", 0)).Kind)
	assert.Equal(t, memcache.KindStored, p.Process(set("a", "updated", 0)).Kind, "updates never need a free slot")
}

func TestProcess_NoReply(t *testing.T) {
	p, _, _ := newProcessor(t, Options{})

	req := set("k", "v", 0)
	req.NoReply = true
	assert.Equal(t, memcache.KindNone, p.Process(req).Kind)
	assert.Len(t, p.Process(get("k")).Values, 1, "noreply still stores")
}

func TestProcess_VersionVerbosity(t *testing.T) {
	level := -1
	p, _, _ := newProcessor(t, Options{
		Version:      "1.2.3",
		SetVerbosity: func(l int) { level = l },
	})

	resp := p.Process(&memcache.Request{Verb: memcache.VerbVersion})
	assert.Equal(t, memcache.KindVersion, resp.Kind)
	assert.Equal(t, "1.2.3", resp.Text)

	assert.Equal(t, memcache.KindOK, p.Process(&memcache.Request{Verb: memcache.VerbVerbosity, Level: 2}).Kind)
	assert.Equal(t, 2, level)

	assert.Equal(t, memcache.KindNone, p.Process(&memcache.Request{Verb: memcache.VerbQuit}).Kind)
}

func TestHandle_WritesReplyAndKlog(t *testing.T) {
	var out bytes.Buffer
	kl := klog.New(&out, klog.Config{Sample: 1}, metrics.NewSet())
	p, _, _ := newProcessor(t, Options{Klog: kl})

	dst := p.Handle("10.0.0.1:4000", set("k", "hello", 0), nil)
	dst = p.Handle("10.0.0.1:4000", get("k"), dst)
	assert.Equal(t, "STORED\r\nVALUE k 0 5\r\nhello\r\nEND\r\n", string(dst))

	require.NoError(t, kl.Flush())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "10.0.0.1:4000 - ["))
	assert.True(t, strings.HasSuffix(lines[0], `"set k 0 0 5" stored 8`))
	assert.True(t, strings.HasSuffix(lines[1], `"get k" values 25`))
}

func TestProcess_Metrics(t *testing.T) {
	p, _, _ := newProcessor(t, Options{})

	p.Process(set("k", "v", 0))
	p.Process(get("k", "nope"))

	var buf bytes.Buffer
	p.Metrics().WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, `slimcache_commands_total{verb="set"} 1`)
	assert.Contains(t, out, `slimcache_commands_total{verb="get"} 1`)
	assert.Contains(t, out, `slimcache_responses_total{kind="stored"} 1`)
	assert.Contains(t, out, "slimcache_get_hits_total 1")
	assert.Contains(t, out, "slimcache_get_misses_total 1")
}

func TestExpireAt(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	at, expired := ExpireAt(0, now)
	assert.True(t, at.IsZero())
	assert.False(t, expired)

	_, expired = ExpireAt(-1, now)
	assert.True(t, expired)

	at, expired = ExpireAt(60, now)
	assert.False(t, expired)
	assert.Equal(t, now.Add(time.Minute), at)

	at, expired = ExpireAt(relativeLimit, now)
	assert.False(t, expired)
	assert.Equal(t, now.Add(30*24*time.Hour), at)

	at, expired = ExpireAt(1_800_000_100, now)
	assert.False(t, expired)
	assert.Equal(t, time.Unix(1_800_000_100, 0), at)

	_, expired = ExpireAt(relativeLimit+1, now)
	assert.True(t, expired, "absolute time in the past")
}
