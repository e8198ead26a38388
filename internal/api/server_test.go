package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/depthscan/internal/scan"
	"github.com/banshee-data/depthscan/internal/testutil"
)

// memStore is an in-memory scan.Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	metas   map[string]*scan.SessionMeta
	meshes  map[string][]byte
	grids   map[string][]byte
	worlds  map[string][]byte
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{
		metas:  make(map[string]*scan.SessionMeta),
		meshes: make(map[string][]byte),
		grids:  make(map[string][]byte),
		worlds: make(map[string][]byte),
	}
}

func (m *memStore) SaveCheckpoint(cp *scan.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := cp.Meta
	m.metas[meta.ID] = &meta
	m.meshes[meta.ID] = cp.MeshBlob
	return nil
}

func (m *memStore) SaveCoverageGrid(id string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grids[id] = blob
	return nil
}

func (m *memStore) SaveWorldMap(id string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worlds[id] = blob
	return nil
}

func (m *memStore) LoadSessionMeta(id string) (*scan.SessionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return nil, scan.ErrSessionUnreadable
	}
	return meta, nil
}

func (m *memStore) LoadMeshCheckpoint(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meshes[id], nil
}

func (m *memStore) LoadCoverageGrid(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grids[id], nil
}

func (m *memStore) LoadWorldMap(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worlds[id], nil
}

func (m *memStore) ListSessions() ([]*scan.SessionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*scan.SessionMeta, 0, len(m.metas))
	for _, meta := range m.metas {
		out = append(out, meta)
	}
	return out, nil
}

func (m *memStore) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, id)
	delete(m.meshes, id)
	delete(m.grids, id)
	delete(m.worlds, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()
	manager := scan.NewManager(store, nil, scan.DefaultConfig())
	srv := NewServer(manager, func() scan.Source {
		src := scan.NewSyntheticSource(1)
		src.MaxFrames = 10
		return src
	})
	return srv, store
}

func TestStatsIdleByDefault(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st statsAPI
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "idle" {
		t.Errorf("state = %q, want idle", st.State)
	}
}

func TestStartStopScan(t *testing.T) {
	srv, store := newTestServer(t)
	mux := srv.ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/start",
		strings.NewReader(`{"name":"living room"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started["state"] != "scanning" {
		t.Errorf("state after start = %q, want scanning", started["state"])
	}
	if started["session_id"] == "" {
		t.Error("start did not return a session id")
	}

	// A second start while one is active must conflict.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/start", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("second start: status = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var stopped map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if stopped["state"] != "completed" {
		t.Errorf("state after stop = %q, want completed", stopped["state"])
	}

	// The resume snapshot is cleaned up on completion.
	store.mu.Lock()
	deleted := len(store.deleted) > 0
	store.mu.Unlock()
	if !deleted {
		t.Error("completed scan should delete its resume snapshot")
	}
}

func TestPauseResumeScan(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/pause", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/resume", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resumed map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resumed)
	if resumed["state"] != "scanning" {
		t.Errorf("state after resume = %q, want scanning", resumed["state"])
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", rec.Code)
	}
}

func TestPauseWithoutScan(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/pause", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestStartScanBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/start",
		strings.NewReader(`{"name":`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan/start",
		strings.NewReader(`{"session_id":"nope"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404, body %s", rec.Code, rec.Body.String())
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	srv, store := newTestServer(t)
	mux := srv.ServeMux()

	store.metas["abc"] = &scan.SessionMeta{ID: "abc", Name: "hallway", State: "paused"}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var metas []sessionMetaAPI
	if err := json.Unmarshal(rec.Body.Bytes(), &metas); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != "abc" {
		t.Fatalf("list = %+v, want single session abc", metas)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/scan/sessions/abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if _, ok := store.metas["abc"]; ok {
		t.Error("session abc should be deleted")
	}
}

func TestSessionByIDRejectsBadPath(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/scan/sessions/a/b", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/version"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var v map[string]string
	testutil.DecodeJSON(t, rec, &v)
	if v["version"] == "" {
		t.Error("version missing from response")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.ServeMux()
	for _, path := range []string{"/api/scan/start", "/api/scan/pause", "/api/scan/stop"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", path, rec.Code)
		}
	}
}
