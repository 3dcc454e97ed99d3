package memcache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxKeyLength is the longest key the protocol accepts
const MaxKeyLength = 250

// Parse errors. A *ClientError leaves the stream usable; ErrLineTooLong and
// I/O errors do not.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrLineTooLong    = errors.New("request line too long")
	ErrTooLarge       = errors.New("data block too large")
)

// ClientError describes a malformed request
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string {
	return e.Msg
}

func clientErr(format string, args ...any) error {
	return &ClientError{Msg: fmt.Sprintf(format, args...)}
}

// IsRecoverable reports whether the connection can keep reading after err
func IsRecoverable(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) || errors.Is(err, ErrUnknownCommand) || errors.Is(err, ErrTooLarge)
}

// Parser decodes requests from a byte stream
type Parser struct {
	reader   *bufio.Reader
	maxValue int
	fields   [][]byte
}

// NewParser creates a parser reading from r. Lines longer than bufSize are
// rejected with ErrLineTooLong; data blocks larger than maxValue are skipped
// and reported with ErrTooLarge.
func NewParser(r io.Reader, bufSize, maxValue int) *Parser {
	return &Parser{
		reader:   bufio.NewReaderSize(r, bufSize),
		maxValue: maxValue,
		fields:   make([][]byte, 0, 8),
	}
}

// Buffered returns the number of bytes already read from the stream but not
// yet parsed. A server uses it to batch responses of pipelined requests.
func (p *Parser) Buffered() int {
	return p.reader.Buffered()
}

// Parse reads the next complete request
func (p *Parser) Parse() (*Request, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}

	p.fields = splitFields(line, p.fields[:0])
	if len(p.fields) == 0 {
		return nil, ErrUnknownCommand
	}

	req := &Request{Verb: ParseVerb(string(p.fields[0]))}
	args := p.fields[1:]

	switch req.Verb {
	case VerbGet, VerbGets:
		err = p.parseRetrieval(req, args)
	case VerbSet, VerbAdd, VerbReplace, VerbAppend, VerbPrepend, VerbCAS:
		err = p.parseStorage(req, args)
	case VerbDelete:
		err = p.parseDelete(req, args)
	case VerbIncr, VerbDecr:
		err = p.parseArithmetic(req, args)
	case VerbTouch:
		err = p.parseTouch(req, args)
	case VerbFlushAll:
		err = p.parseFlushAll(req, args)
	case VerbVerbosity:
		err = p.parseVerbosity(req, args)
	case VerbVersion, VerbQuit:
		if len(args) != 0 {
			err = clientErr("bad command line format")
		}
	default:
		return nil, ErrUnknownCommand
	}

	if err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Parser) parseRetrieval(req *Request, args [][]byte) error {
	if len(args) == 0 {
		return clientErr("bad command line format")
	}
	req.Keys = make([][]byte, 0, len(args))
	for _, k := range args {
		key, err := copyKey(k)
		if err != nil {
			return err
		}
		req.Keys = append(req.Keys, key)
	}
	return nil
}

// <verb> <key> <flags> <exptime> <bytes> [<cas unique>] [noreply]
func (p *Parser) parseStorage(req *Request, args [][]byte) error {
	want := 4
	if req.Verb == VerbCAS {
		want = 5
	}
	args, req.NoReply = trimNoReply(args, want)
	if len(args) != want {
		return clientErr("bad command line format")
	}

	key, err := copyKey(args[0])
	if err != nil {
		return err
	}
	flags, err := strconv.ParseUint(string(args[1]), 10, 32)
	if err != nil {
		return clientErr("bad command line format")
	}
	exptime, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return clientErr("bad command line format")
	}
	size, err := strconv.Atoi(string(args[3]))
	if err != nil || size < 0 {
		return clientErr("bad data chunk")
	}
	if req.Verb == VerbCAS {
		if req.CAS, err = strconv.ParseUint(string(args[4]), 10, 64); err != nil {
			return clientErr("bad command line format")
		}
	}

	if size > p.maxValue {
		if _, err := p.reader.Discard(size + 2); err != nil {
			return err
		}
		return ErrTooLarge
	}

	value := make([]byte, size+2)
	if _, err := io.ReadFull(p.reader, value); err != nil {
		return err
	}
	if value[size] != '\r' || value[size+1] != '\n' {
		return clientErr("bad data chunk")
	}

	req.Keys = [][]byte{key}
	req.Flags = uint32(flags)
	req.Exptime = exptime
	req.Value = value[:size:size]
	return nil
}

// delete <key> [0] [noreply]
func (p *Parser) parseDelete(req *Request, args [][]byte) error {
	args, req.NoReply = stripNoReply(args)
	if len(args) == 2 && string(args[1]) == "0" {
		args = args[:1]
	}
	if len(args) != 1 {
		return clientErr("bad command line format. Usage: delete <key> [noreply]")
	}
	key, err := copyKey(args[0])
	if err != nil {
		return err
	}
	req.Keys = [][]byte{key}
	return nil
}

// incr|decr <key> <value> [noreply]
func (p *Parser) parseArithmetic(req *Request, args [][]byte) error {
	args, req.NoReply = trimNoReply(args, 2)
	if len(args) != 2 {
		return clientErr("bad command line format")
	}
	key, err := copyKey(args[0])
	if err != nil {
		return err
	}
	delta, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		return clientErr("invalid numeric delta argument")
	}
	req.Keys = [][]byte{key}
	req.Delta = delta
	return nil
}

// touch <key> <exptime> [noreply]
func (p *Parser) parseTouch(req *Request, args [][]byte) error {
	args, req.NoReply = trimNoReply(args, 2)
	if len(args) != 2 {
		return clientErr("bad command line format")
	}
	key, err := copyKey(args[0])
	if err != nil {
		return err
	}
	exptime, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return clientErr("invalid exptime argument")
	}
	req.Keys = [][]byte{key}
	req.Exptime = exptime
	return nil
}

// flush_all [delay] [noreply]
func (p *Parser) parseFlushAll(req *Request, args [][]byte) error {
	args, req.NoReply = stripNoReply(args)
	switch len(args) {
	case 0:
	case 1:
		delay, err := strconv.ParseInt(string(args[0]), 10, 64)
		if err != nil || delay < 0 {
			return clientErr("bad command line format")
		}
		req.Delay = delay
	default:
		return clientErr("bad command line format")
	}
	return nil
}

// verbosity <level> [noreply]
func (p *Parser) parseVerbosity(req *Request, args [][]byte) error {
	args, req.NoReply = trimNoReply(args, 1)
	if len(args) != 1 {
		return clientErr("bad command line format")
	}
	level, err := strconv.Atoi(string(args[0]))
	if err != nil {
		return clientErr("bad command line format")
	}
	req.Level = level
	return nil
}

// readLine returns the next line without its terminator. The slice aliases the
// reader's buffer and is only valid until the next read.
func (p *Parser) readLine() ([]byte, error) {
	line, err := p.reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func splitFields(line []byte, dst [][]byte) [][]byte {
	for len(line) > 0 {
		i := 0
		for i < len(line) && line[i] == ' ' {
			i++
		}
		line = line[i:]
		if len(line) == 0 {
			break
		}
		j := bytes.IndexByte(line, ' ')
		if j < 0 {
			j = len(line)
		}
		dst = append(dst, line[:j])
		line = line[j:]
	}
	return dst
}

// trimNoReply strips a trailing "noreply" that appears after want arguments
func trimNoReply(args [][]byte, want int) ([][]byte, bool) {
	if len(args) == want+1 && string(args[want]) == "noreply" {
		return args[:want], true
	}
	return args, false
}

// stripNoReply strips a trailing "noreply" from commands whose argument count
// varies
func stripNoReply(args [][]byte) ([][]byte, bool) {
	if n := len(args); n > 0 && string(args[n-1]) == "noreply" {
		return args[:n-1], true
	}
	return args, false
}

func copyKey(k []byte) ([]byte, error) {
	if len(k) > MaxKeyLength {
		return nil, clientErr("key too long")
	}
	for _, c := range k {
		if c < 0x21 || c == 0x7f {
			return nil, clientErr("invalid key")
		}
	}
	return append([]byte(nil), k...), nil
}
