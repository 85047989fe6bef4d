// Package nats runs or joins the NATS server backing the job queue.
package nats

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// DefaultReadyTimeout bounds how long Start waits for a spawned server.
const DefaultReadyTimeout = 10 * time.Second

// Server manages a local NATS server instance
type Server struct {
	binPath      string
	storeDir     string
	url          string
	autoDL       bool
	readyTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	nc      *nats.Conn
	js      jetstream.JetStream
	running bool
}

// ServerConfig holds configuration for the NATS server
type ServerConfig struct {
	BinPath      string
	StoreDir     string
	URL          string
	AutoDL       bool
	ReadyTimeout time.Duration
	Logger       *zap.Logger
}

// NewServer creates a server manager. The binary is only required, and
// downloaded when AutoDL is set, if nothing listens on URL yet.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Server{
		binPath:      cfg.BinPath,
		storeDir:     cfg.StoreDir,
		url:          cfg.URL,
		readyTimeout: cfg.ReadyTimeout,
		logger:       cfg.Logger,
		autoDL:       cfg.AutoDL,
	}
}

// Start joins the server at URL, or spawns one with JetStream enabled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr, err := hostPort(s.url)
	if err != nil {
		return err
	}

	if reachable(addr, time.Second) {
		s.logger.Info("joining running NATS server", zap.String("url", s.url))
		if err := s.connect(); err != nil {
			return err
		}
		s.running = true
		return nil
	}

	binPath, err := EnsureNATSBinary(ctx, s.binPath, s.autoDL, s.logger)
	if err != nil {
		return fmt.Errorf("failed to ensure NATS binary: %w", err)
	}

	storeDir, err := filepath.Abs(s.storeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve store dir: %w", err)
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	host, port, _ := net.SplitHostPort(addr)
	s.cmd = exec.Command(binPath, "-js", "-sd", storeDir, "-a", host, "-p", port)
	s.cmd.Stdout = os.Stdout
	s.cmd.Stderr = os.Stderr
	if err := s.cmd.Start(); err != nil {
		s.cmd = nil
		return fmt.Errorf("failed to start NATS server: %w", err)
	}

	if err := waitReachable(ctx, addr, s.readyTimeout); err != nil {
		s.kill()
		return err
	}
	if err := s.connect(); err != nil {
		s.kill()
		return err
	}

	s.running = true
	s.logger.Info("NATS server started",
		zap.String("url", s.url),
		zap.String("store", storeDir),
		zap.Int("pid", s.cmd.Process.Pid))
	return nil
}

// Stop closes the connection and kills a server this process spawned.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	s.js = nil
	s.kill()
	s.running = false

	s.logger.Info("NATS server stopped")
	return nil
}

func (s *Server) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		s.cmd = nil
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		s.logger.Warn("failed to kill NATS process", zap.Error(err))
	}
	_ = s.cmd.Wait()
	s.cmd = nil
}

// IsRunning reports whether Start succeeded and Stop was not called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetJetStream returns the JetStream context
func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) connect() error {
	logger := s.logger
	nc, err := nats.Connect(s.url,
		nats.Name("wkit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.nc = nc
	s.js = js
	return nil
}

// hostPort turns nats://host:port (scheme optional) into host:port.
func hostPort(natsURL string) (string, error) {
	raw := natsURL
	if u, err := url.Parse(natsURL); err == nil && u.Host != "" {
		raw = u.Host
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil || host == "" || port == "" {
		return "", fmt.Errorf("invalid NATS URL %q", natsURL)
	}
	return net.JoinHostPort(host, port), nil
}

func reachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func waitReachable(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if reachable(addr, 200*time.Millisecond) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("NATS server at %s not ready after %s", addr, timeout)
		case <-tick.C:
		}
	}
}
