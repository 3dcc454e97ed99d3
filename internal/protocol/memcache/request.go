// Package memcache implements the memcached ASCII protocol: a streaming
// request parser and a response composer. It knows nothing about storage.
package memcache

import "strings"

// Verb identifies a request command
type Verb uint8

const (
	VerbUnknown Verb = iota
	VerbGet
	VerbGets
	VerbSet
	VerbAdd
	VerbReplace
	VerbCAS
	VerbAppend
	VerbPrepend
	VerbDelete
	VerbIncr
	VerbDecr
	VerbTouch
	VerbFlushAll
	VerbVersion
	VerbVerbosity
	VerbQuit
)

var verbNames = [...]string{
	VerbUnknown:   "unknown",
	VerbGet:       "get",
	VerbGets:      "gets",
	VerbSet:       "set",
	VerbAdd:       "add",
	VerbReplace:   "replace",
	VerbCAS:       "cas",
	VerbAppend:    "append",
	VerbPrepend:   "prepend",
	VerbDelete:    "delete",
	VerbIncr:      "incr",
	VerbDecr:      "decr",
	VerbTouch:     "touch",
	VerbFlushAll:  "flush_all",
	VerbVersion:   "version",
	VerbVerbosity: "verbosity",
	VerbQuit:      "quit",
}

// Verbs lists every known verb, in declaration order
var Verbs = []Verb{
	VerbGet, VerbGets, VerbSet, VerbAdd, VerbReplace, VerbCAS, VerbAppend, VerbPrepend,
	VerbDelete, VerbIncr, VerbDecr, VerbTouch, VerbFlushAll, VerbVersion, VerbVerbosity, VerbQuit,
}

func (v Verb) String() string {
	if int(v) < len(verbNames) {
		return verbNames[v]
	}
	return "unknown"
}

// ParseVerb maps a command name to its Verb
func ParseVerb(name string) Verb {
	for _, v := range Verbs {
		if strings.EqualFold(verbNames[v], name) {
			return v
		}
	}
	return VerbUnknown
}

// IsStorage reports whether the verb carries a data block
func (v Verb) IsStorage() bool {
	switch v {
	case VerbSet, VerbAdd, VerbReplace, VerbCAS, VerbAppend, VerbPrepend:
		return true
	}
	return false
}

// Request is one decoded command. Byte slices are owned by the request.
type Request struct {
	Verb    Verb
	Keys    [][]byte
	Flags   uint32
	Exptime int64  // raw expiry as sent by the client
	Value   []byte // storage commands only
	CAS     uint64 // cas only
	Delta   uint64 // incr/decr only
	Delay   int64  // flush_all only
	Level   int    // verbosity only
	NoReply bool
}

// Key returns the first key, or nil
func (r *Request) Key() []byte {
	if len(r.Keys) == 0 {
		return nil
	}
	return r.Keys[0]
}
