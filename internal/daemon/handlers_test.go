package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

func newTestHandlerServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(newMockRuntime(t), "/unused.sock", "/unused.cookie")
	srv.authToken = "test-token"
	return srv
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body: %s)", err, rec.Body.String())
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		t.Fatalf("decode data: %v (body: %s)", err, rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	srv := newTestHandlerServer(t)

	req := httptest.NewRequest("GET", "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatusResponse
	decodeData(t, rec, &resp)

	if resp.Version != "test-0.1.0" {
		t.Errorf("Version = %q, want %q", resp.Version, "test-0.1.0")
	}
	if resp.Role != "non-replicating" {
		t.Errorf("Role = %q, want %q", resp.Role, "non-replicating")
	}
	if resp.StorageLen != 0 {
		t.Errorf("StorageLen = %d, want 0 before any Save", resp.StorageLen)
	}
	if resp.NeighborCount != 0 {
		t.Errorf("NeighborCount = %d, want 0 on an isolated node", resp.NeighborCount)
	}
}

func TestHandleFreeSpace(t *testing.T) {
	srv := newTestHandlerServer(t)

	req := httptest.NewRequest("GET", "/v1/free_space", nil)
	rec := httptest.NewRecorder()
	srv.handleFreeSpace(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp FreeSpaceResponse
	decodeData(t, rec, &resp)
	if resp.Free != 4 {
		t.Errorf("Free = %d, want 4 (full capacity)", resp.Free)
	}
}

func TestHandleSaveStoresLocallyWhenCapacityAvailable(t *testing.T) {
	srv := newTestHandlerServer(t)

	body, _ := json.Marshal(SaveRequest{ID: 7, Payload: []byte("hello")})
	req := httptest.NewRequest("POST", "/v1/save", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleSave(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp SaveResponse
	decodeData(t, rec, &resp)
	if !resp.StoredLocally {
		t.Error("expected StoredLocally = true with free capacity")
	}
}

func TestHandleSaveInvalidBody(t *testing.T) {
	srv := newTestHandlerServer(t)

	req := httptest.NewRequest("POST", "/v1/save", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.handleSave(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestHandleLookupFindsLocallySavedItem(t *testing.T) {
	srv := newTestHandlerServer(t)
	srv.runtime.Engine().Save(types.DataItem{ID: 9, Payload: []byte("found-me")})

	body, _ := json.Marshal(LookupRequest{ID: 9})
	req := httptest.NewRequest("POST", "/v1/lookup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleLookup(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp LookupResponse
	decodeData(t, rec, &resp)
	if !resp.Found {
		t.Fatal("expected Found = true for a locally saved item")
	}
	if string(resp.Payload) != "found-me" {
		t.Errorf("Payload = %q, want %q", resp.Payload, "found-me")
	}
}

func TestHandleLookupInvalidBody(t *testing.T) {
	srv := newTestHandlerServer(t)

	req := httptest.NewRequest("POST", "/v1/lookup", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.handleLookup(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleShutdownClosesChannel(t *testing.T) {
	srv := newTestHandlerServer(t)

	req := httptest.NewRequest("POST", "/v1/shutdown", nil)
	rec := httptest.NewRecorder()
	srv.handleShutdown(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case <-srv.shutdownCh:
	default:
		t.Error("expected shutdownCh to be closed")
	}
}
