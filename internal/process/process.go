// Package process executes decoded memcached requests against the cache
// engine. A Processor is owned by the server's worker goroutine, like the
// engine it drives.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"slimcache/internal/cache"
	"slimcache/internal/cuckoo"
	"slimcache/internal/klog"
	"slimcache/internal/logging"
	"slimcache/internal/protocol/memcache"
)

// relativeLimit is the largest exptime read as an offset from now; larger
// values are absolute unix times.
const relativeLimit = 60 * 60 * 24 * 30

const msgNonNumeric = "cannot increment or decrement non-numeric value"

// Options configures a Processor
type Options struct {
	Version string
	Klog    *klog.Logger

	// SetVerbosity is called by the verbosity command; optional
	SetVerbosity func(level int)
}

// Processor turns requests into responses
type Processor struct {
	engine *cache.Engine
	opts   Options

	set       *metrics.Set
	commands  []*metrics.Counter // indexed by memcache.Verb
	responses []*metrics.Counter // indexed by memcache.Kind
	hits      *metrics.Counter
	misses    *metrics.Counter

	numBuf []byte
}

// New creates a processor for engine
func New(engine *cache.Engine, opts Options) *Processor {
	p := &Processor{
		engine: engine,
		opts:   opts,
		set:    metrics.NewSet(),
		numBuf: make([]byte, 0, 20),
	}

	p.commands = make([]*metrics.Counter, len(memcache.Verbs)+1)
	for _, v := range memcache.Verbs {
		p.commands[v] = p.set.NewCounter(fmt.Sprintf(`slimcache_commands_total{verb=%q}`, v.String()))
	}
	p.commands[memcache.VerbUnknown] = p.set.NewCounter(`slimcache_commands_total{verb="unknown"}`)

	p.responses = make([]*metrics.Counter, memcache.KindError+1)
	for k := memcache.KindNone; k <= memcache.KindError; k++ {
		p.responses[k] = p.set.NewCounter(fmt.Sprintf(`slimcache_responses_total{kind=%q}`, k.String()))
	}

	p.hits = p.set.NewCounter("slimcache_get_hits_total")
	p.misses = p.set.NewCounter("slimcache_get_misses_total")
	return p
}

// Metrics returns the processor's metric set
func (p *Processor) Metrics() *metrics.Set {
	return p.set
}

// Handle processes req, appends the wire reply to dst and records the command
// in the command log.
func (p *Processor) Handle(peer string, req *memcache.Request, dst []byte) []byte {
	resp := p.Process(req)
	mark := len(dst)
	dst = memcache.AppendResponse(dst, resp)
	if p.opts.Klog != nil {
		p.opts.Klog.Record(peer, req, resp, len(dst)-mark, p.engine.Now())
	}
	return dst
}

// Process executes req. The returned response owns its data; a noreply
// request yields KindNone whatever the outcome.
func (p *Processor) Process(req *memcache.Request) *memcache.Response {
	now := p.engine.Now()
	resp := p.execute(req, now)

	if int(req.Verb) < len(p.commands) {
		p.commands[req.Verb].Inc()
	}
	if int(resp.Kind) < len(p.responses) {
		p.responses[resp.Kind].Inc()
	}

	if req.NoReply {
		return &memcache.Response{Kind: memcache.KindNone}
	}
	return resp
}

func (p *Processor) execute(req *memcache.Request, now time.Time) *memcache.Response {
	switch req.Verb {
	case memcache.VerbGet, memcache.VerbGets:
		return p.get(req, now)
	case memcache.VerbSet, memcache.VerbAdd, memcache.VerbReplace, memcache.VerbCAS:
		return p.store(req, now)
	case memcache.VerbAppend, memcache.VerbPrepend:
		return &memcache.Response{Kind: memcache.KindNotSupported}
	case memcache.VerbDelete:
		return p.delete(req, now)
	case memcache.VerbIncr, memcache.VerbDecr:
		return p.arithmetic(req, now)
	case memcache.VerbTouch:
		return p.touch(req, now)
	case memcache.VerbFlushAll:
		return p.flushAll(req, now)
	case memcache.VerbVersion:
		return &memcache.Response{Kind: memcache.KindVersion, Text: p.opts.Version}
	case memcache.VerbVerbosity:
		if p.opts.SetVerbosity != nil {
			p.opts.SetVerbosity(req.Level)
		}
		return &memcache.Response{Kind: memcache.KindOK}
	case memcache.VerbQuit:
		return &memcache.Response{Kind: memcache.KindNone}
	default:
		return &memcache.Response{Kind: memcache.KindError}
	}
}

func (p *Processor) get(req *memcache.Request, now time.Time) *memcache.Response {
	resp := &memcache.Response{
		Kind:    memcache.KindValues,
		WithCAS: req.Verb == memcache.VerbGets,
		Values:  make([]memcache.Value, 0, len(req.Keys)),
	}

	for _, key := range req.Keys {
		item, ok := p.engine.Get(key, now)
		if !ok {
			p.misses.Inc()
			continue
		}
		p.hits.Inc()
		// item aliases the slab; later lookups may expire and clear it
		resp.Values = append(resp.Values, memcache.Value{
			Key:   key,
			Flags: item.Flags,
			CAS:   item.CAS,
			Data:  bytes.Clone(item.Value),
		})
	}
	return resp
}

func (p *Processor) store(req *memcache.Request, now time.Time) *memcache.Response {
	key := req.Key()

	switch req.Verb {
	case memcache.VerbAdd:
		if _, ok := p.engine.Get(key, now); ok {
			return &memcache.Response{Kind: memcache.KindNotStored}
		}
	case memcache.VerbReplace:
		if _, ok := p.engine.Get(key, now); !ok {
			return &memcache.Response{Kind: memcache.KindNotStored}
		}
	case memcache.VerbCAS:
		item, ok := p.engine.Get(key, now)
		if !ok {
			return &memcache.Response{Kind: memcache.KindNotFound}
		}
		if item.CAS != req.CAS {
			return &memcache.Response{Kind: memcache.KindExists}
		}
	}

	expireAt, expired := ExpireAt(req.Exptime, now)
	if expired {
		// stored and immediately expired: nothing may be readable afterwards
		p.engine.Delete(key, now)
		return &memcache.Response{Kind: memcache.KindStored}
	}

	if _, _, err := p.engine.Store(key, req.Value, req.Flags, expireAt, now); err != nil {
		return p.storeError(req, err)
	}
	return &memcache.Response{Kind: memcache.KindStored}
}

func (p *Processor) storeError(req *memcache.Request, err error) *memcache.Response {
	switch {
	case errors.Is(err, cuckoo.ErrValueTooLarge):
		return &memcache.Response{Kind: memcache.KindValueTooLarge}
	case errors.Is(err, cuckoo.ErrFull):
		if logging.Enabled(logging.DEBUG) {
			logging.Debug(context.Background(), logging.ComponentProcess, logging.ActionReject, "Table full, store rejected", logging.Fields{
				"verb": req.Verb.String(),
				"key":  string(req.Key()),
			})
		}
		return &memcache.Response{Kind: memcache.KindFull}
	case errors.Is(err, cuckoo.ErrInvalidKey):
		return &memcache.Response{Kind: memcache.KindClientError, Text: "bad command line format"}
	}
	logging.Error(context.Background(), logging.ComponentProcess, logging.ActionRequest, "Store failed", err, logging.Fields{
		"verb": req.Verb.String(),
	})
	return &memcache.Response{Kind: memcache.KindServerError, Text: err.Error()}
}

func (p *Processor) delete(req *memcache.Request, now time.Time) *memcache.Response {
	if p.engine.Delete(req.Key(), now) {
		return &memcache.Response{Kind: memcache.KindDeleted}
	}
	return &memcache.Response{Kind: memcache.KindNotFound}
}

func (p *Processor) arithmetic(req *memcache.Request, now time.Time) *memcache.Response {
	key := req.Key()
	item, ok := p.engine.Get(key, now)
	if !ok {
		return &memcache.Response{Kind: memcache.KindNotFound}
	}

	n, err := strconv.ParseUint(string(item.Value), 10, 64)
	if err != nil {
		return &memcache.Response{Kind: memcache.KindClientError, Text: msgNonNumeric}
	}

	if req.Verb == memcache.VerbIncr {
		n += req.Delta
	} else if req.Delta > n {
		n = 0
	} else {
		n -= req.Delta
	}

	p.numBuf = strconv.AppendUint(p.numBuf[:0], n, 10)
	if _, _, err := p.engine.Store(key, p.numBuf, item.Flags, item.ExpireAt, now); err != nil {
		return p.storeError(req, err)
	}
	return &memcache.Response{Kind: memcache.KindNumeric, Number: n}
}

func (p *Processor) touch(req *memcache.Request, now time.Time) *memcache.Response {
	key := req.Key()
	expireAt, expired := ExpireAt(req.Exptime, now)

	var ok bool
	if expired {
		ok = p.engine.Delete(key, now)
	} else {
		ok = p.engine.Touch(key, expireAt, now)
	}
	if !ok {
		return &memcache.Response{Kind: memcache.KindNotFound}
	}
	return &memcache.Response{Kind: memcache.KindTouched}
}

func (p *Processor) flushAll(req *memcache.Request, now time.Time) *memcache.Response {
	at, expired := ExpireAt(req.Delay, now)
	if at.IsZero() || expired {
		n := p.engine.Flush()
		logging.Info(context.Background(), logging.ComponentProcess, logging.ActionFlush, "Cache flushed", logging.Fields{
			"items": n,
		})
	} else {
		p.engine.FlushAt(at)
		logging.Info(context.Background(), logging.ComponentProcess, logging.ActionFlush, "Cache flush scheduled", logging.Fields{
			"at": at.Format(time.RFC3339),
		})
	}
	return &memcache.Response{Kind: memcache.KindOK}
}

// ExpireAt converts a memcached exptime into a deadline. Zero means the item
// never expires and yields the zero time. A negative exptime, or an absolute
// time not after now, reports expired.
func ExpireAt(exptime int64, now time.Time) (at time.Time, expired bool) {
	switch {
	case exptime == 0:
		return time.Time{}, false
	case exptime < 0:
		return time.Time{}, true
	case exptime > relativeLimit:
		at = time.Unix(exptime, 0)
		if !at.After(now) {
			return time.Time{}, true
		}
		return at, false
	default:
		return now.Add(time.Duration(exptime) * time.Second), false
	}
}
