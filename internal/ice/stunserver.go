package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// LocalServer is an embedded STUN-only server for LAN and CI runs where the
// public STUN hosts are unreachable. It answers binding requests and refuses
// all allocation attempts; no relaying, no credentials.
type LocalServer struct {
	Port int

	mu        sync.Mutex
	server    *turn.Server
	cancel    context.CancelFunc
	isRunning bool
	log       *zap.Logger
}

func NewLocalServer(port int, log *zap.Logger) *LocalServer {
	return &LocalServer{Port: port, log: log}
}

// Start binds the UDP listener and begins answering binding requests.
// Listeners share the port with SO_REUSEPORT so the kernel load-balances
// packets per 5-tuple.
func (s *LocalServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("local STUN server is already running")
	}

	ctx, cancel := context.WithCancel(ctx)

	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				cancel()
				return err
			}
			return operr
		},
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.Port)
	conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: "callkit.local",
		// STUN-only: reject every TURN authentication attempt.
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{PacketConn: conn},
		},
	})
	if err != nil {
		conn.Close()
		cancel()
		return fmt.Errorf("create STUN server: %w", err)
	}

	s.server = srv
	s.cancel = cancel
	s.isRunning = true
	s.log.Info("local STUN server started", zap.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts the server down. Safe to call when not running.
func (s *LocalServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	s.cancel()
	s.isRunning = false

	if err := s.server.Close(); err != nil {
		return fmt.Errorf("close STUN server: %w", err)
	}
	s.log.Info("local STUN server stopped")
	return nil
}

func (s *LocalServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// URL returns the stun: URL clients should dial, prepended to resolved
// server lists when the local server is enabled.
func (s *LocalServer) URL() string {
	return fmt.Sprintf("stun:127.0.0.1:%d", s.Port)
}
