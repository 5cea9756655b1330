// Package protocol implements the incremental byte-stream framing
// state machine described in spec.md §4.B. Grammar details (the full
// memcached-style command language) are treated as an external
// collaborator contract: Parser recognizes just enough of a command
// header to know where it ends and how many payload bytes follow, and
// Command.Execute dispatches against the storage interface spec.md §6
// describes. This package owns only the state machine needed for
// framing, not a full command grammar.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrMark is the literal wire response for a framing error. It is
// retained bit-for-bit for wire compatibility with the source this spec
// distills; do not "clean up" the regex-looking text (spec.md §9).
const ErrMark = "(?^u:ERROR)"

// ErrMalformed is raised by Parse on input that cannot be a valid
// command header under any amount of additional input.
var ErrMalformed = errors.New("protocol: malformed command")

// Storage is the external collaborator contract commands execute
// against (spec.md §6). Implementations need not be safe for concurrent
// use; the Connection serializes access through the Server's single
// lock.
type Storage interface {
	Put(key string, value []byte) bool
	PutIfAbsent(key string, value []byte) bool
	Set(key string, value []byte) bool
	Delete(key string) bool
	Get(key string) (value []byte, ok bool)
}

// Kind enumerates the small set of verbs this framing layer recognizes
// enough of to know whether a payload follows.
type Kind int

const (
	KindGet Kind = iota
	KindSet
	KindAdd    // put_if_absent
	KindReplace
	KindDelete
)

// Command is a fully parsed request, ready for its argument bytes (if
// any) to be appended until the Connection's argRemain reaches zero.
type Command struct {
	Kind Kind
	Key  string

	// Argument accumulates payload bytes as NEED_ARGS appends them.
	Argument []byte

	// argBytes is the announced payload length from the header; set by
	// Parser.Build. The Connection's argRemain starts at argBytes+2 (trailing CRLF) once
	// argBytes > 0, per spec.md §4.C step 2.
	argBytes int
}

// ArgBytes reports the announced payload length (0 if the command takes
// no payload).
func (c *Command) ArgBytes() int { return c.argBytes }

// Execute runs the command against storage and returns the protocol
// response line, without a trailing CRLF (the Connection appends it).
func (c *Command) Execute(storage Storage) string {
	switch c.Kind {
	case KindGet:
		v, ok := storage.Get(c.Key)
		if !ok {
			return "END"
		}
		return fmt.Sprintf("VALUE %s 0 %d\r\n%s\r\nEND", c.Key, len(v), v)
	case KindSet:
		if storage.Put(c.Key, c.Argument) {
			return "STORED"
		}
		return "NOT_STORED"
	case KindAdd:
		if storage.PutIfAbsent(c.Key, c.Argument) {
			return "STORED"
		}
		return "NOT_STORED"
	case KindReplace:
		if storage.Set(c.Key, c.Argument) {
			return "STORED"
		}
		return "NOT_STORED"
	case KindDelete:
		if storage.Delete(c.Key) {
			return "DELETED"
		}
		return "NOT_FOUND"
	default:
		return ErrMark
	}
}

// Parser is the incremental header recognizer. It is stateless across
// commands (Reset clears the last recognized header) but must see every byte
// of a connection's stream in order, since a header may arrive split
// across several reads. The Connection, not the Parser, owns the byte
// buffer: Parse is handed the full run of not-yet-consumed bytes on
// every call and scans it from scratch, so the Parser itself carries no
// partial-header bytes between calls — only the fields of the last
// successfully recognized header, held until Build consumes them.
type Parser struct {
	lastKind     Kind
	lastKey      string
	lastArgBytes int
}

// Name identifies the grammar this parser recognizes, for diagnostics.
func (p *Parser) Name() string { return "memcached-text" }

// Reset clears per-command state so the parser is ready for the next
// header.
func (p *Parser) Reset() {
	*p = Parser{}
}

// Parse scans data (the Connection's full unconsumed read buffer) for a
// complete CRLF-terminated header. It reports the number of bytes the
// header occupies (consumed) and whether one was found. If consumed ==
// 0 and ok == false, the caller must supply more bytes later (spec.md
// §4.C step 2: "if parse consumed 0 bytes, break and await more input").
func (p *Parser) Parse(data []byte) (consumed int, ok bool, err error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		if len(data) > maxHeaderLen {
			return 0, false, ErrMalformed
		}
		return 0, false, nil
	}

	line := data[:idx]
	headerLen := idx + 2 // including CRLF
	if err := p.parseLine(line); err != nil {
		return headerLen, false, err
	}
	return headerLen, true, nil
}

const maxHeaderLen = 8192

func (p *Parser) parseLine(line []byte) error {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return ErrMalformed
	}
	verb := string(fields[0])
	key := string(fields[1])

	var argBytes int
	var kind Kind
	switch verb {
	case "get":
		kind = KindGet
	case "set":
		kind = KindSet
		if len(fields) < 3 {
			return ErrMalformed
		}
		n, err := strconv.Atoi(string(fields[2]))
		if err != nil || n < 0 {
			return ErrMalformed
		}
		argBytes = n
	case "add":
		kind = KindAdd
		if len(fields) < 3 {
			return ErrMalformed
		}
		n, err := strconv.Atoi(string(fields[2]))
		if err != nil || n < 0 {
			return ErrMalformed
		}
		argBytes = n
	case "replace":
		kind = KindReplace
		if len(fields) < 3 {
			return ErrMalformed
		}
		n, err := strconv.Atoi(string(fields[2]))
		if err != nil || n < 0 {
			return ErrMalformed
		}
		argBytes = n
	case "delete":
		kind = KindDelete
	default:
		return ErrMalformed
	}

	p.lastKind = kind
	p.lastKey = key
	p.lastArgBytes = argBytes
	return nil
}

// Build produces the Command object recognized by the most recent
// successful Parse, and the byte length of its payload argument (0 if
// none). If argBytes > 0 the Connection must also consume two trailing
// CRLF bytes after the payload (spec.md §4.B).
func (p *Parser) Build() (cmd *Command, argBytes int) {
	cmd = &Command{
		Kind:     p.lastKind,
		Key:      p.lastKey,
		argBytes: p.lastArgBytes,
	}
	if p.lastArgBytes > 0 {
		cmd.Argument = make([]byte, 0, p.lastArgBytes)
	}
	argBytes = p.lastArgBytes
	return cmd, argBytes
}
