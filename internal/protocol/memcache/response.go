package memcache

import (
	"errors"
	"strconv"
)

// Kind identifies a response
type Kind uint8

const (
	KindNone Kind = iota // nothing is written (noreply, quit)
	KindValues
	KindStored
	KindNotStored
	KindExists
	KindNotFound
	KindDeleted
	KindTouched
	KindNumeric
	KindOK
	KindVersion
	KindValueTooLarge
	KindFull
	KindNotSupported
	KindClientError
	KindServerError
	KindError
)

var kindNames = [...]string{
	KindNone:          "none",
	KindValues:        "values",
	KindStored:        "stored",
	KindNotStored:     "not_stored",
	KindExists:        "exists",
	KindNotFound:      "not_found",
	KindDeleted:       "deleted",
	KindTouched:       "touched",
	KindNumeric:       "numeric",
	KindOK:            "ok",
	KindVersion:       "version",
	KindValueTooLarge: "value_too_large",
	KindFull:          "full",
	KindNotSupported:  "not_supported",
	KindClientError:   "client_error",
	KindServerError:   "server_error",
	KindError:         "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is one item in a retrieval response
type Value struct {
	Key   []byte
	Flags uint32
	CAS   uint64
	Data  []byte
}

// Response is the outcome of one request
type Response struct {
	Kind    Kind
	Values  []Value // KindValues, possibly empty
	WithCAS bool    // include CAS uniques in VALUE lines
	Number  uint64  // KindNumeric
	Text    string  // KindVersion, KindClientError, KindServerError
}

// Canned replies
var (
	replyEnd          = []byte("END\r\n")
	replyStored       = []byte("STORED\r\n")
	replyNotStored    = []byte("NOT_STORED\r\n")
	replyExists       = []byte("EXISTS\r\n")
	replyNotFound     = []byte("NOT_FOUND\r\n")
	replyDeleted      = []byte("DELETED\r\n")
	replyTouched      = []byte("TOUCHED\r\n")
	replyOK           = []byte("OK\r\n")
	replyError        = []byte("ERROR\r\n")
	replyTooLarge     = []byte("SERVER_ERROR object too large for cache\r\n")
	replyFull         = []byte("SERVER_ERROR out of memory storing object\r\n")
	replyNotSupported = []byte("SERVER_ERROR command not supported\r\n")
	prefixValue       = []byte("VALUE ")
	prefixVersion     = []byte("VERSION ")
	prefixClientError = []byte("CLIENT_ERROR ")
	prefixServerError = []byte("SERVER_ERROR ")
	crlf              = []byte("\r\n")
)

// AppendResponse appends the wire form of r to dst
func AppendResponse(dst []byte, r *Response) []byte {
	switch r.Kind {
	case KindNone:
		return dst
	case KindValues:
		for i := range r.Values {
			dst = AppendValue(dst, &r.Values[i], r.WithCAS)
		}
		return append(dst, replyEnd...)
	case KindStored:
		return append(dst, replyStored...)
	case KindNotStored:
		return append(dst, replyNotStored...)
	case KindExists:
		return append(dst, replyExists...)
	case KindNotFound:
		return append(dst, replyNotFound...)
	case KindDeleted:
		return append(dst, replyDeleted...)
	case KindTouched:
		return append(dst, replyTouched...)
	case KindNumeric:
		dst = strconv.AppendUint(dst, r.Number, 10)
		return append(dst, crlf...)
	case KindOK:
		return append(dst, replyOK...)
	case KindVersion:
		dst = append(dst, prefixVersion...)
		dst = append(dst, r.Text...)
		return append(dst, crlf...)
	case KindValueTooLarge:
		return append(dst, replyTooLarge...)
	case KindFull:
		return append(dst, replyFull...)
	case KindNotSupported:
		return append(dst, replyNotSupported...)
	case KindClientError:
		dst = append(dst, prefixClientError...)
		dst = append(dst, r.Text...)
		return append(dst, crlf...)
	case KindServerError:
		dst = append(dst, prefixServerError...)
		dst = append(dst, r.Text...)
		return append(dst, crlf...)
	default:
		return append(dst, replyError...)
	}
}

// AppendValue appends one "VALUE <key> <flags> <bytes> [<cas>]" block
func AppendValue(dst []byte, v *Value, withCAS bool) []byte {
	dst = append(dst, prefixValue...)
	dst = append(dst, v.Key...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(v.Flags), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(v.Data)), 10)
	if withCAS {
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, v.CAS, 10)
	}
	dst = append(dst, crlf...)
	dst = append(dst, v.Data...)
	return append(dst, crlf...)
}

// ErrorResponse maps a parse error to the response sent to the client
func ErrorResponse(err error) *Response {
	var ce *ClientError
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return &Response{Kind: KindError}
	case errors.Is(err, ErrTooLarge):
		return &Response{Kind: KindValueTooLarge}
	case errors.As(err, &ce):
		return &Response{Kind: KindClientError, Text: ce.Msg}
	}
	return &Response{Kind: KindServerError, Text: err.Error()}
}
