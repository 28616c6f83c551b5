package daemon

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rhpman/rhpman-sim/internal/rhpman/engine"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
	"github.com/rhpman/rhpman-sim/pkg/simnet"
)

// mockRuntime wraps a real engine.Engine (built on the in-memory
// simnet/scheduler test doubles, exactly as engine_test.go does) so
// the daemon's HTTP layer is exercised against real Lookup/Save
// behavior rather than a hand-rolled stand-in.
type mockRuntime struct {
	eng       *engine.Engine
	version   string
	startTime time.Time
}

func (m *mockRuntime) Engine() *engine.Engine { return m.eng }
func (m *mockRuntime) ConfigFile() string     { return "/mock/config.yaml" }
func (m *mockRuntime) Version() string        { return m.version }
func (m *mockRuntime) StartTime() time.Time   { return m.startTime }

func newMockRuntime(t *testing.T) *mockRuntime {
	t.Helper()
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	node := net.Join(1)
	sched := scheduler.FromClock(mock)
	cfg := engine.Config{
		Role:                      types.NonReplicating,
		ForwardingThreshold:       0.4,
		CarryingThreshold:         0.6,
		WCDC:                      0.5,
		WCol:                      0.5,
		ProfileDelay:              6 * time.Second,
		RequestTimeout:            5 * time.Second,
		MissingReplicationTimeout: 5 * time.Second,
		ProfileTimeout:            5 * time.Second,
		ElectionTimeout:           5 * time.Second,
		ElectionCooldown:          time.Second,
		StorageCapacity:           4,
		BufferCapacity:            4,
	}
	eng := engine.New(cfg, sched, node, nil)
	if err := eng.Start(); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	return &mockRuntime{
		eng:       eng,
		version:   "test-0.1.0",
		startTime: time.Now().Add(-60 * time.Second),
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	cookiePath := filepath.Join(dir, ".test-cookie")

	srv := NewServer(newMockRuntime(t), socketPath, cookiePath)
	return srv, dir
}

func TestGenerateCookie(t *testing.T) {
	a, err := generateCookie()
	if err != nil {
		t.Fatalf("generateCookie: %v", err)
	}
	b, err := generateCookie()
	if err != nil {
		t.Fatalf("generateCookie: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("cookie length = %d, want 64 hex chars", len(a))
	}
	if a == b {
		t.Error("expected two independently generated cookies to differ")
	}
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authToken = "secret"
	handler := srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authToken = "secret"
	handler := srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewareWrongToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authToken = "secret"
	handler := srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	srv, dir := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "test.sock")); err != nil {
		t.Errorf("expected socket file to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".test-cookie")); err != nil {
		t.Errorf("expected cookie file to exist: %v", err)
	}

	srv.Stop()

	if _, err := os.Stat(filepath.Join(dir, "test.sock")); !os.IsNotExist(err) {
		t.Error("expected socket file to be removed after Stop")
	}
}

func TestServerStaleSocketDetection(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	if err := os.WriteFile(socketPath, []byte("not a real socket"), 0600); err != nil {
		t.Fatalf("write stale socket: %v", err)
	}

	srv := NewServer(newMockRuntime(t), socketPath, filepath.Join(dir, ".cookie"))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start should remove the stale socket and succeed: %v", err)
	}
	defer srv.Stop()
}

func TestServerDaemonAlreadyRunning(t *testing.T) {
	srv1, dir := newTestServer(t)
	if err := srv1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv1.Stop()

	srv2 := NewServer(newMockRuntime(t), filepath.Join(dir, "test.sock"), filepath.Join(dir, ".test-cookie-2"))
	if err := srv2.Start(); err == nil {
		t.Fatal("expected Start to fail against an already-running daemon's socket")
	}
}

func TestClientNewClientSocketNotFound(t *testing.T) {
	_, err := NewClient(filepath.Join(t.TempDir(), "missing.sock"), filepath.Join(t.TempDir(), "missing.cookie"))
	if err == nil {
		t.Fatal("expected an error when the socket does not exist")
	}
}

func TestClientNewClientCookieNotFound(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	if err := os.WriteFile(socketPath, []byte{}, 0600); err != nil {
		t.Fatalf("touch socket: %v", err)
	}

	_, err := NewClient(socketPath, filepath.Join(dir, "missing.cookie"))
	if err == nil {
		t.Fatal("expected an error when the cookie file does not exist")
	}
}

func TestClientIntegration(t *testing.T) {
	srv, dir := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client, err := NewClient(filepath.Join(dir, "test.sock"), filepath.Join(dir, ".test-cookie"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Version != "test-0.1.0" {
		t.Errorf("Version = %q, want %q", status.Version, "test-0.1.0")
	}
	if status.Role != "non-replicating" {
		t.Errorf("Role = %q, want %q", status.Role, "non-replicating")
	}

	free, err := client.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free.Free != 4 {
		t.Errorf("Free = %d, want 4 (full capacity, nothing saved yet)", free.Free)
	}

	saveResp, err := client.Save(42, []byte("answer"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !saveResp.StoredLocally {
		t.Error("expected the item to be stored locally with free capacity")
	}

	lookupResp, err := client.Lookup(42)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !lookupResp.Found {
		t.Fatal("expected a local hit after Save")
	}
	if string(lookupResp.Payload) != "answer" {
		t.Errorf("Payload = %q, want %q", lookupResp.Payload, "answer")
	}
}

func TestHandlerShutdownResponse(t *testing.T) {
	srv, dir := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client, err := NewClient(filepath.Join(dir, "test.sock"), filepath.Join(dir, ".test-cookie"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-srv.ShutdownCh():
	case <-time.After(time.Second):
		t.Fatal("expected ShutdownCh to close after POST /v1/shutdown")
	}
}
