// Package server implements the facade (spec.md §4.F): bind/listen,
// compose the cache, pool, and reactor, and expose Start/Stop/Join.
// It also carries the three network flavors original_source ships
// side by side (st_nonblocking, mt_blocking, mt_nonblocking) as thin
// derivations of the one non-blocking reactor core, per SPEC_FULL.md's
// Network supplement.
package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kvd/kvd/internal/cache"
	"github.com/kvd/kvd/internal/metrics"
	"github.com/kvd/kvd/internal/pool"
	"github.com/kvd/kvd/internal/reactor"
)

// Network selects which server flavor to run. The reactor spec covers
// the non-blocking core; st and mt are derivative simplifications
// (spec.md §1), not separate implementations.
type Network string

const (
	NetworkSingleThreaded   Network = "st"
	NetworkMultiThreaded    Network = "mt"
	NetworkMultiNonBlocking Network = "mt-nonblock"
)

// Config bundles the parameters spec.md §4.F names.
type Config struct {
	Port         uint16
	CacheBytes   int
	Network      Network
	AcceptThreads int // ignored by the st flavor, which forces 1
	Workers      int
	QueueCap     int
	IdleMS       int
}

const defaultBacklog = 128

// Server composes the cache, worker pool and reactor(s) behind
// Start/Stop/Join.
type Server struct {
	cfg      Config
	log      *logrus.Entry
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	storage  *instrumentedStorage
	pool     *pool.Pool
	reactors []*reactor.Reactor

	listener *net.TCPListener

	mu      sync.Mutex
	running bool
}

// New builds a Server; it does not bind the socket or start anything
// yet (that's Start's job, matching spec.md §4.F's separation of
// construction from the bind/listen/launch sequence).
func New(cfg Config, log *logrus.Entry) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 128
	}
	if cfg.IdleMS <= 0 {
		cfg.IdleMS = 1000
	}
	m := metrics.New()
	registry := prometheus.NewRegistry()
	m.MustRegister(registry)
	return &Server{
		cfg:      cfg,
		log:      log.WithField("component", "server"),
		metrics:  m,
		registry: registry,
		storage:  newInstrumentedStorage(cache.New(cfg.CacheBytes), m),
	}
}

// Metrics exposes the server's collectors directly, e.g. for tests that
// want to assert on counts.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Registry exposes the prometheus.Registry this server's collectors
// are registered against, for an embedder to serve over HTTP (wiring
// an exporter itself is out of this core's scope, per spec.md §1).
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Start binds the dual-stack listening socket, initializes the worker
// pool (watermarks low=workers, high=4*workers per spec.md §4.F) and
// launches the acceptor thread(s).
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server: already running")
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(s.cfg.Port)})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	acceptThreads := s.cfg.AcceptThreads
	if acceptThreads < 1 {
		acceptThreads = 1
	}

	var dispatch reactor.Dispatcher
	perConnMu := false
	switch s.cfg.Network {
	case NetworkSingleThreaded:
		acceptThreads = 1
		dispatch = nil // inline: one reactor goroutine drives everything
	case NetworkMultiThreaded, NetworkMultiNonBlocking:
		s.pool = pool.New(s.cfg.Workers, 4*s.cfg.Workers, s.cfg.QueueCap, s.cfg.IdleMS, s.log)
		s.pool.AttachMetrics(s.metrics)
		if err := s.pool.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("pool start: %w", err)
		}
		dispatch = reactor.PoolDispatcher(s.pool)
		perConnMu = true
	default:
		ln.Close()
		return fmt.Errorf("server: unknown network flavor %q", s.cfg.Network)
	}

	for i := 0; i < acceptThreads; i++ {
		r, err := reactor.New(ln, s.storage, dispatch, perConnMu, s.log)
		if err != nil {
			ln.Close()
			return fmt.Errorf("reactor init: %w", err)
		}
		r.AttachMetrics(s.metrics)
		s.reactors = append(s.reactors, r)
	}

	for _, r := range s.reactors {
		r := r
		go func() {
			if err := r.Run(); err != nil {
				s.log.WithError(err).Error("reactor exited with error")
			}
		}()
	}

	s.running = true
	s.log.WithFields(logrus.Fields{
		"port":    s.cfg.Port,
		"network": s.cfg.Network,
	}).Info("server started")
	return nil
}

// Stop signals running=false, closes the listener, and requests the
// pool stop without waiting (spec.md §4.F).
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for _, r := range s.reactors {
		r.Shutdown()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.pool != nil {
		s.pool.Stop(false)
	}
	s.running = false
}

// Join blocks until the pool has fully drained (spec.md §4.F: "join
// acceptor, then pool.stop(await=true)"). The acceptor goroutines are
// detached (fire-and-forget, per spec.md §5's resource lifecycle
// policy), so the pool's STOPPED transition is the synchronization
// point Join waits on.
func (s *Server) Join() {
	if s.pool != nil {
		s.pool.Stop(true)
	}
}

// Backlog returns the minimum listen backlog this facade assumes;
// exposed for tests and diagnostics. spec.md §4.F requires at least 128.
// The value is not passed to listen(2): Start uses net.ListenTCP, which
// applies the operating system's default backlog.
func Backlog() int { return defaultBacklog }
