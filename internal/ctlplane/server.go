package ctlplane

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/events"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/ratelimit"
)

// Errors returned to RPC callers.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrUnknownInterface  = errors.New("unknown interface")
	ErrInterfaceRequired = errors.New("interface required")
	ErrNoHistory         = errors.New("journal disabled")
	ErrNotConfigured     = errors.New("interface has no configured provisioning settings")
)

const defaultRate = 20

// Config configures a Server.
type Config struct {
	Socket    string
	AllowUIDs []int
	Rate      int
	Burst     int

	Hub     *events.Hub
	History History
	Metrics *metrics.Registry
	Logger  *logging.Logger
	Clock   clock.Clock
}

// Server serves the control socket.
type Server struct {
	backend Backend
	cfg     Config
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	started time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a control plane server for the backend's engines.
func NewServer(backend Backend, cfg Config) *Server {
	c := clock.Or(cfg.Clock)
	if cfg.Socket == "" {
		cfg.Socket = brand.GetSocketPath()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2 * cfg.Rate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("ctlplane")
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.Get()
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		clock:   c,
		logger:  logger,
		metrics: reg,
		limiter: ratelimit.NewLimiter(cfg.Rate, cfg.Burst, c),
		started: c.Now(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen creates the control socket, replacing a stale one.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.Remove(s.cfg.Socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Socket, err)
	}
	if err := os.Chmod(s.cfg.Socket, 0660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Start listens on the configured socket and serves in the background.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	go s.Serve(ln)
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("control plane listening", "socket", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("connection handler panicked", "panic", r)
				}
			}()
			s.serveConn(conn)
		}()
	}
}

// Close stops accepting, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	peer, err := peerCredentials(conn)
	if err != nil {
		s.logger.Warn("rejecting connection", "error", err)
		return
	}
	if !s.authorized(peer.UID) {
		s.logger.Warn("rejecting unauthorized peer", "uid", peer.UID, "pid", peer.PID)
		return
	}

	sess := &session{
		server: s,
		peer:   peer,
		id:     uuid.NewString(),
	}
	rs := rpc.NewServer()
	if err := rs.RegisterName("Server", sess); err != nil {
		s.logger.Error("failed to register RPC service", "error", err)
		return
	}

	key := "uid:" + strconv.Itoa(peer.UID)
	codec := &limitedCodec{
		ServerCodec: jsonrpc.NewServerCodec(conn),
		allow:       func() bool { return s.limiter.Allow(key) },
	}
	s.logger.Debug("peer connected", "session", sess.id, "uid", peer.UID, "pid", peer.PID)
	rs.ServeCodec(codec)
	s.logger.Debug("peer disconnected", "session", sess.id)
}

// authorized admits root, the daemon's own user and the allow list.
func (s *Server) authorized(uid int) bool {
	return uid == 0 || uid == os.Geteuid() || slices.Contains(s.cfg.AllowUIDs, uid)
}

// limitedCodec rejects requests over the peer's rate. The body is always
// consumed so the stream stays in sync.
type limitedCodec struct {
	rpc.ServerCodec
	allow func() bool
}

func (c *limitedCodec) ReadRequestBody(body any) error {
	if err := c.ServerCodec.ReadRequestBody(body); err != nil {
		return err
	}
	if !c.allow() {
		return ErrRateLimited
	}
	return nil
}

// Peer identifies the process on the other end of a connection.
type Peer struct {
	UID int
	GID int
	PID int
}
