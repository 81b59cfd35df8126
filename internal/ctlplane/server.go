package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/enclave/internal/logging"
)

// ServiceName prefixes every RPC method ("Enclave.Status", ...).
const ServiceName = "Enclave"

// SocketMode is the permission of the control socket.
const SocketMode = 0o660

// DefaultRequestTimeout bounds one RPC. Connect waits for the tunnel
// interface, so it must exceed the connector's wait.
const DefaultRequestTimeout = 30 * time.Second

// Backend is what the RPC service forwards to. *Controller implements it.
type Backend interface {
	Status(ctx context.Context) (Status, error)
	Assign(ctx context.Context, segment, target string) (SegmentStatus, error)
	Connect(ctx context.Context, name string) error
	Disconnect(ctx context.Context, name string) error
	Ruleset(ctx context.Context) (RulesetReply, error)
}

// Service is the RPC receiver. Its exported methods are the wire API.
type Service struct {
	backend Backend
	timeout time.Duration

	mu   sync.RWMutex
	base context.Context
}

func (s *Service) context() (context.Context, context.CancelFunc) {
	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, s.timeout)
}

// Status returns the node state.
func (s *Service) Status(args *Empty, reply *GetStatusReply) error {
	ctx, cancel := s.context()
	defer cancel()
	st, err := s.backend.Status(ctx)
	if err != nil {
		return err
	}
	reply.Status = st
	return nil
}

// Assign sets a segment's target.
func (s *Service) Assign(args *AssignArgs, reply *AssignReply) error {
	ctx, cancel := s.context()
	defer cancel()
	seg, err := s.backend.Assign(ctx, args.Segment, args.Target)
	if err != nil {
		return err
	}
	reply.Segment = seg
	return nil
}

// Connect brings a tunnel up.
func (s *Service) Connect(args *TunnelArgs, reply *Empty) error {
	ctx, cancel := s.context()
	defer cancel()
	return s.backend.Connect(ctx, args.Name)
}

// Disconnect takes a tunnel down.
func (s *Service) Disconnect(args *TunnelArgs, reply *Empty) error {
	ctx, cancel := s.context()
	defer cancel()
	return s.backend.Disconnect(ctx, args.Name)
}

// Ruleset returns the live ruleset.
func (s *Service) Ruleset(args *Empty, reply *RulesetReply) error {
	ctx, cancel := s.context()
	defer cancel()
	rs, err := s.backend.Ruleset(ctx)
	if err != nil {
		return err
	}
	*reply = rs
	return nil
}

// Server is the control socket RPC server.
type Server struct {
	rpc     *rpc.Server
	service *Service
	logger  *logging.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer registers backend on a private RPC server.
func NewServer(backend Backend, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Default()
	}
	svc := &Service{backend: backend, timeout: DefaultRequestTimeout}
	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, svc); err != nil {
		return nil, fmt.Errorf("register RPC service: %w", err)
	}
	return &Server{
		rpc:     srv,
		service: svc,
		logger:  logger.WithComponent("rpc"),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Listen opens the Unix socket at path with SocketMode permissions,
// replacing a stale socket left by a previous run.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return nil, fmt.Errorf("control socket %s is in use", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, SocketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve listens on path and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, path string) error {
	ln, err := Listen(path)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	return s.ServeListener(ctx, ln)
}

// ServeListener serves RPC connections from ln until ctx is cancelled.
// Requests run under ctx, so in-flight calls are cancelled on shutdown.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.service.mu.Lock()
	s.service.base = ctx
	s.service.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info("control socket listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.track(conn, true)
		go func() {
			defer s.track(conn, false)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic in RPC connection", "panic", r)
				}
			}()
			s.rpc.ServeConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}
