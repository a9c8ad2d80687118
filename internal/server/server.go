// Package server answers queries on the daemon's Unix socket: which root
// provider is active, what a uid is allowed to do, and namespace handle
// requests answered with a descriptor over SCM_RIGHTS.
//
// The surface is deliberately small. Consumers that need richer module or
// injection plumbing talk to their own framework; this socket only exposes
// what the engine itself computes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/doughall/rootbridge/internal/mountns"
	"github.com/doughall/rootbridge/internal/rootimpl"
	"github.com/doughall/rootbridge/internal/wire"
)

// Request opcodes, one byte on the wire.
const (
	OpGetImpl      uint8 = 1
	OpGetFlags     uint8 = 2
	OpGetNamespace uint8 = 3
)

// GetFlags reply bits.
const (
	FlagGrantedRoot  uint8 = 1 << 0
	FlagShouldUmount uint8 = 1 << 1
	FlagManager      uint8 = 1 << 2
)

// GetNamespace status bytes.
const (
	StatusOK     uint8 = 0
	StatusFailed uint8 = 1
)

// Server owns the Unix listener and the per-connection handlers.
type Server struct {
	socketPath string
	registry   *rootimpl.Registry
	cache      *mountns.Cache
	log        *slog.Logger

	listener *net.UnixListener
	wg       sync.WaitGroup
}

// New creates a Server. Listen must be called before Serve.
func New(socketPath string, registry *rootimpl.Registry, cache *mountns.Cache, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		cache:      cache,
		log:        logger.With(slog.String("component", "server")),
	}
}

// Listen binds the Unix socket, replacing any stale socket file left by a
// previous instance. The socket is restricted to root; the consumer framework
// runs privileged too.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.log.Info("listening", slog.String("socket", s.socketPath))
	return nil
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections until the context is cancelled or the listener
// is closed. Each connection gets its own goroutine and handles a sequence
// of requests until the peer hangs up.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(wire.NewConn(conn))
		}()
	}

	s.wg.Wait()
	os.Remove(s.socketPath)
	s.log.Info("server stopped")
	return nil
}

// handle serves one connection until EOF or a protocol error.
func (s *Server) handle(conn *wire.Conn) {
	defer conn.Close()

	for {
		op, err := conn.ReadU8()
		if err != nil {
			// EOF is the normal end of a session.
			return
		}

		switch op {
		case OpGetImpl:
			err = s.handleGetImpl(conn)
		case OpGetFlags:
			err = s.handleGetFlags(conn)
		case OpGetNamespace:
			err = s.handleGetNamespace(conn)
		default:
			s.log.Warn("unknown opcode", slog.Uint64("op", uint64(op)))
			return
		}
		if err != nil {
			s.log.Error("request failed",
				slog.Uint64("op", uint64(op)),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

func (s *Server) handleGetImpl(conn *wire.Conn) error {
	return conn.WriteU8(uint8(s.registry.Impl()))
}

func (s *Server) handleGetFlags(conn *wire.Conn) error {
	uid, err := conn.ReadI32()
	if err != nil {
		return err
	}

	var flags uint8
	if s.registry.UIDGrantedRoot(uid) {
		flags |= FlagGrantedRoot
	}
	if s.registry.UIDShouldUmount(uid) {
		flags |= FlagShouldUmount
	}
	if s.registry.UIDIsManager(uid) {
		flags |= FlagManager
	}

	s.log.Debug("answered uid flags",
		slog.Int("uid", int(uid)),
		slog.Uint64("flags", uint64(flags)),
	)
	return conn.WriteU8(flags)
}

func (s *Server) handleGetNamespace(conn *wire.Conn) error {
	kindByte, err := conn.ReadU8()
	if err != nil {
		return err
	}
	pid, err := conn.ReadI32()
	if err != nil {
		return err
	}

	ns, err := s.namespaceFor(mountns.Kind(kindByte), pid)
	if err != nil {
		s.log.Error("namespace request failed",
			slog.Uint64("kind", uint64(kindByte)),
			slog.Int("pid", int(pid)),
			slog.String("error", err.Error()),
		)
		return conn.WriteU8(StatusFailed)
	}

	if err := conn.WriteU8(StatusOK); err != nil {
		return err
	}
	return conn.SendFile(int(ns.Fd()))
}

// namespaceFor validates the request and fetches the cached handle. A dead
// target pid would make the first capture open a vanished /proc entry; the
// existence check turns that race into a clean failure in the common case.
func (s *Server) namespaceFor(kind mountns.Kind, pid int32) (*os.File, error) {
	alive, err := process.PidExists(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to check pid %d: %w", pid, err)
	}
	if !alive {
		return nil, fmt.Errorf("target pid %d is not running", pid)
	}
	return s.cache.Get(kind, int(pid))
}
