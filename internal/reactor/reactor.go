// Package reactor implements the non-blocking connection multiplexer
// (spec.md §4.E): one listening socket plus an edge-triggered epoll set
// holding every accepted Connection, driven by a single acceptor
// goroutine. The epoll wrapper itself (connection table, dispatch loop)
// is grounded in joeycumines-go-utilpkg/eventloop/poller_linux.go's
// FastPoller, adapted from a generic I/O callback multiplexer into one
// purpose-built for conn.Conn lifecycles. Connections are kept in a map
// keyed by fd; there is no version counter, so an event is matched to a
// connection by descriptor number alone.
package reactor

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kvd/kvd/internal/conn"
	"github.com/kvd/kvd/internal/metrics"
	"github.com/kvd/kvd/internal/pool"
	"github.com/kvd/kvd/internal/protocol"
)

// Dispatcher decides how a Connection's I/O callback is invoked once
// the reactor observes readiness. The default dispatches inline on the
// reactor goroutine (single-threaded flavor); Pool-backed dispatch
// submits the callback to a worker pool instead (spec.md §4.E
// "thread-safety" and SPEC_FULL.md's Network flavors).
type Dispatcher func(fn func())

func inlineDispatcher(fn func()) { fn() }

// PoolDispatcher submits callbacks to p, pinning nothing: per-Connection
// serialization comes from conn.Conn.Lock, not from worker affinity.
func PoolDispatcher(p *pool.Pool) Dispatcher {
	return func(fn func()) {
		if !p.Execute(fn) {
			// Backpressure: run inline rather than drop the callback,
			// since dropping an I/O event would wedge the connection.
			fn()
		}
	}
}

const maxEvents = 256

// Reactor owns the listening socket and the epoll set of accepted
// connections.
type Reactor struct {
	listener  *net.TCPListener
	storage   protocol.Storage
	log       *logrus.Entry
	dispatch  Dispatcher
	perConnMu bool // whether to arm conn.Conn.Lock (mt-nonblock)
	metrics   *metrics.Metrics

	epfd int

	mu    sync.Mutex
	conns map[int32]*connEntry

	running atomic.Bool
}

type connEntry struct {
	c  *conn.Conn
	fd int32
}

// New creates a Reactor bound to listener, executing commands against
// storage. If perConnMu is true, each accepted Connection gets its own
// mutex so concurrent do_read/do_write from pool-dispatched callbacks
// are serialized (spec.md §4.E thread-safety).
func New(listener *net.TCPListener, storage protocol.Storage, dispatch Dispatcher, perConnMu bool, log *logrus.Entry) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if dispatch == nil {
		dispatch = inlineDispatcher
	}
	return &Reactor{
		listener:  listener,
		storage:   storage,
		log:       log.WithField("component", "reactor"),
		dispatch:  dispatch,
		perConnMu: perConnMu,
		epfd:      epfd,
		conns:     make(map[int32]*connEntry),
	}, nil
}

// AttachMetrics wires m's connection gauge to this reactor's
// register/deregister lifecycle. Must be called before Run.
func (r *Reactor) AttachMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Run is the acceptor loop (spec.md §4.E steps 1-3). It blocks until
// Shutdown is called.
func (r *Reactor) Run() error {
	r.running.Store(true)

	lf, err := r.listener.File()
	if err != nil {
		return err
	}
	defer lf.Close()
	listenFD := int(lf.Fd())
	if err := unix.SetNonblock(listenFD, true); err != nil {
		return err
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(listenFD),
	}); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, maxEvents)
	for r.running.Load() {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if !r.running.Load() {
				return nil
			}
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == listenFD {
				r.acceptAll(listenFD)
				continue
			}
			r.handleClientEvent(ev)
		}
	}
	return nil
}

// acceptAll accepts connections until the listener reports no more are
// pending (spec.md §4.E step 2).
func (r *Reactor) acceptAll(listenFD int) {
	for {
		nfd, _, err := unix.Accept(listenFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			r.log.WithError(err).Debug("accept failed")
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		r.registerNew(nfd)
	}
}

// registerNew hands the just-accepted, already-non-blocking descriptor
// nfd directly to a new conn.Conn and adds that same fd to the epoll
// set. Conn drives nfd with raw unix.Read/unix.Write (no net.FileConn
// wrapping): FileConn would dup the descriptor, and closing the
// original afterwards would pull the rug out from under the very fd
// registered with epoll.
func (r *Reactor) registerNew(nfd int) {
	c := conn.New(nfd, r.storage, r.log)
	if r.perConnMu {
		c.Lock = &sync.Mutex{}
	}
	c.Start()

	entry := &connEntry{c: c, fd: int32(nfd)}
	r.mu.Lock()
	r.conns[int32(nfd)] = entry
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.Connections.Inc()
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{
		Events: epollBits(c.InterestMask()) | unix.EPOLLET,
		Fd:     int32(nfd),
	}); err != nil {
		r.log.WithError(err).Warn("epoll_ctl add failed")
		r.deregister(entry)
	}
}

// handleClientEvent implements spec.md §4.E step 3.
func (r *Reactor) handleClientEvent(ev unix.EpollEvent) {
	r.mu.Lock()
	entry, ok := r.conns[ev.Fd]
	r.mu.Unlock()
	if !ok {
		return
	}
	c := entry.c

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.dispatch(func() {
			c.OnError(syscall.ECONNRESET)
			r.maybeDeregister(entry)
		})
		return
	}

	if ev.Events&unix.EPOLLIN != 0 {
		r.dispatch(func() {
			c.DoRead()
			r.rearmOrDeregister(entry)
		})
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		r.dispatch(func() {
			c.DoWrite()
			r.rearmOrDeregister(entry)
		})
	}
}

// rearmOrDeregister implements the "after handling" tail of spec.md
// §4.E step 3: if the connection died and has nothing left to drain,
// deregister and close it; otherwise re-arm with its current interest.
func (r *Reactor) rearmOrDeregister(entry *connEntry) {
	c := entry.c
	if !c.IsAlive() && c.WriteQueueEmpty() {
		r.deregister(entry)
		return
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(entry.fd), &unix.EpollEvent{
		Events: epollBits(c.InterestMask()) | unix.EPOLLET,
		Fd:     entry.fd,
	})
}

func (r *Reactor) maybeDeregister(entry *connEntry) {
	if !entry.c.IsAlive() && entry.c.WriteQueueEmpty() {
		r.deregister(entry)
	}
}

func (r *Reactor) deregister(entry *connEntry) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(entry.fd), nil)
	r.mu.Lock()
	delete(r.conns, entry.fd)
	r.mu.Unlock()
	entry.c.Close()
	if r.metrics != nil {
		r.metrics.Connections.Dec()
	}
}

// Shutdown stops the acceptor loop. In-flight connections are left to
// drain their write queues on their own; forcibly closing them after a
// deadline is out of scope (spec.md §4.E step 4).
func (r *Reactor) Shutdown() {
	r.running.Store(false)
	unix.Close(r.epfd)
}

func epollBits(mask conn.Interest) uint32 {
	var bits uint32
	if mask&conn.InterestRead != 0 {
		bits |= unix.EPOLLIN
	}
	if mask&conn.InterestWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	if mask&conn.InterestError != 0 {
		bits |= unix.EPOLLERR
	}
	if mask&conn.InterestHup != 0 {
		bits |= unix.EPOLLHUP
	}
	return bits
}
