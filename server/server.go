package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Malformed frame policies.
const (
	MalformedSkip  = "skip"
	MalformedClose = "close"
)

// WorkerPath is the only route served on the worker-facing listener.
const WorkerPath = "/workers"

// Config tunes one gateway instance.
type Config struct {
	// Name labels this instance in logs and metrics.
	Name string

	Policy ShardPolicy

	// A dispatcher waits at most WaitInterval * WaitAttempts for a response.
	WaitInterval time.Duration
	WaitAttempts int

	IdentifyTimeout   time.Duration
	OutboundQueueSize int
	MaxBodyBytes      int64
	MalformedFrames   string

	Auth WorkerAuth
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "0"
	}
	if c.Policy == nil {
		c.Policy = FixedPolicy{Shard: DefaultShard}
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 10 * time.Millisecond
	}
	if c.WaitAttempts <= 0 {
		c.WaitAttempts = 1000
	}
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 1024
	}
	if c.MalformedFrames != MalformedClose {
		c.MalformedFrames = MalformedSkip
	}
	return c
}

// Server is one gateway instance: a worker registry, a correlation store,
// the client-facing dispatcher and the worker-facing endpoint.
type Server struct {
	cfg     Config
	log     *zap.Logger
	metrics instanceMetrics

	registry   *Registry
	store      *Store
	handshake  *Handshake
	dispatcher *Dispatcher

	mu     sync.Mutex
	conns  map[*workerConn]struct{}
	wg     sync.WaitGroup
	closed bool
}

// New builds an instance. log and metrics may be nil.
func New(cfg Config, log *zap.Logger, metrics *Metrics) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	log = log.With(zap.String("instance", cfg.Name))
	im := instanceMetrics{m: metrics, name: cfg.Name}

	s := &Server{
		cfg:       cfg,
		log:       log,
		metrics:   im,
		registry:  NewRegistry(),
		store:     NewStore(),
		handshake: NewHandshake(1024, 1024),
		conns:     make(map[*workerConn]struct{}),
	}
	s.dispatcher = &Dispatcher{
		registry: s.registry,
		store:    s.store,
		policy:   cfg.Policy,
		cfg:      cfg,
		log:      log.With(zap.String("component", "dispatcher")),
		metrics:  im,
	}
	s.metrics.setShards(0)
	return s
}

func (s *Server) Registry() *Registry     { return s.registry }
func (s *Server) Store() *Store           { return s.store }
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// ClientHandler serves the client-facing port: every request is dispatched.
func (s *Server) ClientHandler() http.Handler {
	return s.dispatcher
}

// WorkerHandler serves the worker-facing port.
func (s *Server) WorkerHandler() http.Handler {
	return http.HandlerFunc(s.handleWorkers)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != WorkerPath {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	fallback, err := s.cfg.Auth.Authenticate(r)
	if err != nil {
		s.log.Warn("worker rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Not authorized", http.StatusForbidden)
		return
	}
	if fallback == "" {
		fallback = DefaultShard
	}

	conn, err := s.handshake.Upgrade(w, r)
	if err != nil {
		s.log.Info("worker handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.serveWorker(conn, fallback)
}

func (s *Server) track(wc *workerConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[wc] = struct{}{}
	} else {
		delete(s.conns, wc)
	}
}

// Close drops every worker connection and waits for their handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server already closed")
	}
	s.closed = true
	conns := make([]*workerConn, 0, len(s.conns))
	for wc := range s.conns {
		conns = append(conns, wc)
	}
	s.mu.Unlock()

	for _, wc := range conns {
		wc.close()
	}
	s.wg.Wait()
	return nil
}

// Health is a point-in-time summary of one instance.
type Health struct {
	Instance      string   `json:"instance"`
	Shards        []string `json:"shards"`
	Pending       int      `json:"pending"`
	LastRequestID uint64   `json:"last_request_id"`
}

func (s *Server) Health() Health {
	return Health{
		Instance:      s.cfg.Name,
		Shards:        s.registry.Shards(),
		Pending:       s.store.Len(),
		LastRequestID: s.dispatcher.LastID(),
	}
}
