package klog

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimcache/internal/protocol/memcache"
)

var at = time.Date(2026, 10, 19, 10, 4, 5, 0, time.UTC)

func setReq(key, value string) *memcache.Request {
	return &memcache.Request{
		Verb:    memcache.VerbSet,
		Keys:    [][]byte{[]byte(key)},
		Exptime: 60,
		Value:   []byte(value),
	}
}

func TestRecord_Format(t *testing.T) {
	var out bytes.Buffer
	l := New(&out, Config{Sample: 1, BufferSize: 1024}, metrics.NewSet())

	l.Record("127.0.0.1:50312", setReq("foo", "hello"), &memcache.Response{Kind: memcache.KindStored}, 8, at)
	l.Record("", &memcache.Request{Verb: memcache.VerbGet, Keys: [][]byte{[]byte("a"), []byte("b")}},
		&memcache.Response{Kind: memcache.KindValues}, 5, at)
	l.Record("c", &memcache.Request{Verb: memcache.VerbIncr, Keys: [][]byte{[]byte("n")}, Delta: 3, NoReply: true},
		&memcache.Response{Kind: memcache.KindNone}, 0, at)

	require.Empty(t, out.String(), "nothing is written before a flush")
	require.NoError(t, l.Flush())

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `127.0.0.1:50312 - [19/Oct/2026:10:04:05 +0000] "set foo 0 60 5" stored 8`, lines[0])
	assert.Equal(t, `- - [19/Oct/2026:10:04:05 +0000] "get a b" values 5`, lines[1])
	assert.Equal(t, `c - [19/Oct/2026:10:04:05 +0000] "incr n 3 noreply" none 0`, lines[2])
}

func TestRecord_Sampling(t *testing.T) {
	var out bytes.Buffer
	set := metrics.NewSet()
	l := New(&out, Config{Sample: 4, BufferSize: 4096}, set)

	for i := 0; i < 10; i++ {
		l.Record("p", setReq("k", "v"), &memcache.Response{Kind: memcache.KindStored}, 8, at)
	}
	require.NoError(t, l.Flush())

	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
	assert.Equal(t, uint64(2), l.logged.Get())
	assert.Equal(t, uint64(8), l.skipped.Get())
}

func TestRecord_DropsWhenBufferFull(t *testing.T) {
	var out bytes.Buffer
	l := New(&out, Config{Sample: 1, BufferSize: 100}, metrics.NewSet())

	for i := 0; i < 5; i++ {
		l.Record("127.0.0.1:1", setReq("key", "value"), &memcache.Response{Kind: memcache.KindStored}, 8, at)
	}

	assert.Equal(t, uint64(1), l.logged.Get())
	assert.Equal(t, uint64(4), l.dropped.Get())

	require.NoError(t, l.Flush())
	l.Record("127.0.0.1:1", setReq("key", "value"), &memcache.Response{Kind: memcache.KindStored}, 8, at)
	assert.Equal(t, uint64(2), l.logged.Get(), "a flush frees the buffer")
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestFlush_Error(t *testing.T) {
	l := New(failingWriter{}, Config{Sample: 1}, metrics.NewSet())
	l.Record("p", setReq("k", "v"), &memcache.Response{Kind: memcache.KindStored}, 8, at)

	assert.Error(t, l.Flush())
	assert.Equal(t, uint64(1), l.errors.Get())
	assert.NoError(t, l.Flush(), "failed lines are discarded")
}

func TestRun_FlushesOnCancel(t *testing.T) {
	var out bytes.Buffer
	l := New(&out, Config{Sample: 1, FlushInterval: time.Hour}, metrics.NewSet())
	l.Record("p", setReq("k", "v"), &memcache.Response{Kind: memcache.KindStored}, 8, at)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, out.String(), `"set k 0 60 1"`)
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Record("p", setReq("k", "v"), &memcache.Response{Kind: memcache.KindStored}, 8, at)
	assert.NoError(t, l.Flush())
	assert.NoError(t, l.Close())
}
