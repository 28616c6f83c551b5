package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/engine"
	"github.com/rhpman/rhpman-sim/internal/rhpman/telemetry"
)

// RuntimeInfo decouples the daemon package from the cmd/rhpman-sim
// serve runtime struct: it is the slice of the running node an API
// request can observe.
type RuntimeInfo interface {
	Engine() *engine.Engine
	ConfigFile() string
	Version() string
	StartTime() time.Time
}

// Server is the daemon's Unix socket HTTP control API, grounded on
// the teacher's cookie-authenticated, umask-secured socket (the
// same TOCTOU-avoidance and bearer-token scheme), restyled around
// RHPMAN's lookup/save/free_space/status operations instead of the
// teacher's proxy/ping/traceroute surface.
type Server struct {
	runtime    RuntimeInfo
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cookiePath string
	authToken  string
	shutdownCh chan struct{}

	// metrics is optional (nil disables daemon request instrumentation).
	metrics *telemetry.Metrics
}

// NewServer creates a new daemon API server.
func NewServer(runtime RuntimeInfo, socketPath, cookiePath string) *Server {
	return &Server{
		runtime:    runtime,
		socketPath: socketPath,
		cookiePath: cookiePath,
		shutdownCh: make(chan struct{}),
	}
}

// SetMetrics configures optional Prometheus instrumentation for the
// control API itself. Must be called before Start. Nil-safe.
func (s *Server) SetMetrics(metrics *telemetry.Metrics) {
	s.metrics = metrics
}

// ShutdownCh returns a channel that is closed when a shutdown is
// requested via the API (POST /v1/shutdown).
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Start creates the Unix socket, writes the cookie file, and starts
// serving. It returns immediately — the server runs in a background
// goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("failed to generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	// Bind with a restrictive umask to avoid the TOCTOU race between
	// Listen() and a later Chmod(): the socket is created with
	// owner-only permissions atomically.
	oldUmask := syscall.Umask(0077)
	listener, err := net.Listen("unix", s.socketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Cookie is written only after the socket is secured, so no
	// client can read it before the socket can accept authenticated
	// connections.
	if err := os.WriteFile(s.cookiePath, []byte(token), 0600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	slog.Info("daemon cookie written", "path", s.cookiePath)

	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      InstrumentHandler(s.authMiddleware(mux), s.metrics),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon server error", "error", err)
		}
	}()

	slog.Info("daemon API listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the HTTP server and cleans up the socket
// and cookie files.
func (s *Server) Stop() {
	slog.Info("daemon server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)

	os.Remove(s.socketPath)
	os.Remove(s.cookiePath)
	slog.Info("daemon server stopped")
}

// checkStaleSocket checks if a daemon is already running on the
// socket. If the socket exists but no daemon is listening, the stale
// socket is removed.
func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		slog.Info("removing stale daemon socket", "path", s.socketPath)
		os.Remove(s.socketPath)
		return nil
	}

	conn.Close()
	return fmt.Errorf("%w: socket %s is already in use", ErrDaemonAlreadyRunning, s.socketPath)
}

// generateCookie creates a 32-byte random hex token.
func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// authMiddleware checks the Authorization: Bearer <token> header on
// every request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := "Bearer " + s.authToken
		if r.Header.Get("Authorization") != expected {
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid or missing auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
