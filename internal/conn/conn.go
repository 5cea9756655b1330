// Package conn implements the per-socket connection state machine
// (spec.md §4.C), generalized from original_source's
// src/network/st_nonblocking/Connection.cpp and mt_nonblocking/
// Connection.cpp into Go idiom: a Conn owns a raw, non-blocking file
// descriptor and drives it directly with unix.Read/unix.Write so that
// "no more data" surfaces as a real EAGAIN return instead of parking a
// goroutine in the runtime netpoller, matching the edge-triggered
// epoll model grounded in
// joeycumines-go-utilpkg/eventloop/poller_linux.go.
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kvd/kvd/internal/protocol"
)

const readBufSize = 4096 // spec.md §3: read buffer >= 4 KiB

// Interest is the readiness-interest bitmask the reactor should arm for
// this Connection after each I/O callback (spec.md §4.C/§4.E).
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
	InterestError
	InterestHup
)

const baseInterest = InterestRead | InterestError | InterestHup

// phase tracks which of NEED_COMMAND / NEED_ARGS / READY_TO_EXECUTE the
// connection is in, implicitly, per spec.md §4.C: by which fields are
// set. We make it explicit for clarity; the fields still drive it.
type phase int

const (
	phaseNeedCommand phase = iota
	phaseNeedArgs
)

// Conn is a single accepted client connection: its read buffer, the
// incremental parser, the command under construction, the pending
// write queue, and its liveness flag. Conn is owned by the reactor for
// its lifetime (spec.md §3) and is not safe for concurrent do_read/
// do_write unless the embedder provides the per-connection mutex
// spec.md §4.E requires when dispatch is multi-threaded (see Lock).
type Conn struct {
	fd      int
	storage protocol.Storage
	log     *logrus.Entry

	// Lock, if non-nil, is held by DoRead and DoWrite for their whole
	// duration; the reactor sets it when I/O callbacks may run on
	// different goroutines concurrently (mt-nonblock flavor). OnError and
	// OnClose do not take it: they only flip the atomic liveness flag. The single-threaded
	// flavor passes nil: the reactor's single goroutine already
	// serializes callbacks, so no lock is needed (spec.md §9).
	Lock sync.Locker

	readBuf   []byte
	readBytes int

	parser    protocol.Parser
	phase     phase
	command   *protocol.Command
	argRemain int

	writeQueue [][]byte
	written    int // bytes of the head entry already transmitted

	alive atomic.Bool
}

// New wraps fd, an already-accepted, already-non-blocking socket
// descriptor (set up by the reactor's acceptAll). The connection starts
// alive; Start performs any additional lifecycle bookkeeping (logging,
// in the teacher's idiom) before the reactor begins dispatching events
// to it. Conn owns fd from this point on: exactly one Close call is
// expected, made by the reactor's deregister step.
func New(fd int, storage protocol.Storage, log *logrus.Entry) *Conn {
	c := &Conn{
		fd:      fd,
		storage: storage,
		log:     log.WithField("fd", fd),
		readBuf: make([]byte, readBufSize),
	}
	c.alive.Store(true)
	return c
}

// Start marks the beginning of the connection's lifecycle. Analogous to
// Connection::Start in the source: logs and leaves the initial interest
// mask to the reactor's registration step.
func (c *Conn) Start() {
	c.log.Debug("connection started")
}

// IsAlive reports whether the connection should remain registered with
// the reactor.
func (c *Conn) IsAlive() bool {
	return c.alive.Load()
}

// WriteQueueEmpty reports whether every enqueued response has been
// fully transmitted, used by the reactor's drain-before-close policy
// (spec.md §4.E step 3).
func (c *Conn) WriteQueueEmpty() bool {
	return len(c.writeQueue) == 0
}

func (c *Conn) lock() {
	if c.Lock != nil {
		c.Lock.Lock()
	}
}

func (c *Conn) unlock() {
	if c.Lock != nil {
		c.Lock.Unlock()
	}
}

// OnError marks the connection dead after a read or write error.
func (c *Conn) OnError(err error) {
	c.log.WithError(err).Debug("connection error")
	c.alive.Store(false)
}

// OnClose marks the connection dead after the peer closed or the
// reactor is shutting down.
func (c *Conn) OnClose() {
	c.log.Debug("connection closed")
	c.alive.Store(false)
}

// Close releases the underlying file descriptor. Called by the reactor
// once IsAlive is false and WriteQueueEmpty (spec.md §3).
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// DoRead implements spec.md §4.C's do_read algorithm: loop reading into
// the buffer via the raw fd until the peer closes or the kernel
// reports EAGAIN ("no more data right now"), draining complete
// commands and executing them as they become ready.
func (c *Conn) DoRead() {
	c.lock()
	defer c.unlock()

	for {
		if c.readBytes >= len(c.readBuf) {
			// Buffer full without a complete frame: grammar collaborator
			// bug or hostile input. Treat as a framing error so a
			// wedged connection doesn't spin forever.
			c.enqueueFramingError()
			c.readBytes = 0
			break
		}

		n, err := unix.Read(c.fd, c.readBuf[c.readBytes:])
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			c.log.WithError(err).Debug("read error")
			c.alive.Store(false)
			return
		}
		if n == 0 {
			// Peer closed its write half.
			c.alive.Store(false)
			return
		}
		c.readBytes += n

		c.drain()
	}
}

// drain repeatedly applies the NEED_COMMAND / NEED_ARGS /
// READY_TO_EXECUTE transitions to whatever is currently buffered,
// exactly as spec.md §4.C steps 2-4 describe.
func (c *Conn) drain() {
	for {
		switch c.phase {
		case phaseNeedCommand:
			if c.command == nil {
				consumed, ok, err := c.parser.Parse(c.readBuf[:c.readBytes])
				if err != nil {
					c.enqueueFramingError()
					c.compact(c.readBytes) // discard the bad header and everything buffered after it
					c.parser.Reset()
					return
				}
				if !ok {
					if consumed == 0 {
						return // await more input
					}
					c.compact(consumed)
					continue
				}
				cmd, argBytes := c.parser.Build()
				c.compact(consumed)
				c.command = cmd
				c.argRemain = argBytes
				if argBytes > 0 {
					c.argRemain += 2 // trailing CRLF
					c.phase = phaseNeedArgs
				}
				// argBytes == 0 falls straight through to execution below.
			}
			if c.argRemain == 0 {
				c.execute()
				continue
			}
			continue // NEED_ARGS: consume any payload bytes already buffered
		case phaseNeedArgs:
			if c.readBytes == 0 {
				return
			}
			take := c.argRemain
			if c.readBytes < take {
				take = c.readBytes
			}
			c.command.Argument = append(c.command.Argument, c.readBuf[:take]...)
			c.compact(take)
			c.argRemain -= take
			if c.argRemain == 0 {
				c.phase = phaseNeedCommand
				c.execute()
				continue
			}
			return
		}
		return
	}
}

// execute runs the ready command, trims the trailing-CRLF padding bytes
// off the argument (they aren't part of the payload value), enqueues
// the response, and resets for the next frame.
func (c *Conn) execute() {
	cmd := c.command
	if n := cmd.ArgBytes(); n > 0 && len(cmd.Argument) >= n {
		cmd.Argument = cmd.Argument[:n]
	}
	result := cmd.Execute(c.storage) + "\r\n"
	c.enqueueResponse([]byte(result))

	c.command = nil
	c.argRemain = 0
	c.phase = phaseNeedCommand
	c.parser.Reset()
}

func (c *Conn) enqueueFramingError() {
	c.enqueueResponse([]byte(protocol.ErrMark + "\r\n"))
}

// enqueueResponse pushes a response onto the write queue. If the queue
// was empty before this push, the reactor must now also watch for
// write-readiness (spec.md §4.C step 4).
func (c *Conn) enqueueResponse(resp []byte) {
	c.writeQueue = append(c.writeQueue, resp)
}

// compact advances past n consumed bytes via forward compaction
// (memmove in the source; Go's copy is the same operation).
func (c *Conn) compact(n int) {
	if n <= 0 {
		return
	}
	copy(c.readBuf, c.readBuf[n:c.readBytes])
	c.readBytes -= n
}

// DoWrite implements spec.md §4.C's do_write algorithm: drain the
// queued responses with raw, non-blocking writes, adjusted for the
// head entry's already-transmitted offset, popping fully-sent entries
// from the front and stopping at the first partial write or EAGAIN so
// the reactor keeps write-readiness armed for the rest.
func (c *Conn) DoWrite() {
	c.lock()
	defer c.unlock()

	for len(c.writeQueue) > 0 {
		head := c.writeQueue[0][c.written:]
		n, err := unix.Write(c.fd, head)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			c.OnError(err)
			return
		}
		if n == 0 {
			return
		}

		c.written += n
		if c.written < len(c.writeQueue[0]) {
			return // partial write: wait for the next writable event
		}
		c.writeQueue = c.writeQueue[1:]
		c.written = 0
	}
}

// InterestMask reports the readiness interest the reactor should arm
// for this connection's next wait, per spec.md §4.E step 3: read/error/
// hup always, plus write iff there is queued, unsent data.
func (c *Conn) InterestMask() Interest {
	mask := baseInterest
	if len(c.writeQueue) > 0 {
		mask |= InterestWrite
	}
	return mask
}

// isWouldBlock reports whether err is the non-blocking "try again"
// errno a raw read(2)/write(2) returns when no data/buffer space is
// available right now.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
