package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/depthscan/internal/monitoring"
)

// Store is the full durable-storage surface the manager depends on.
// Implemented by scandb.ScanDB.
type Store interface {
	CheckpointStore
	ResumeStore
	SaveWorldMap(sessionID string, blob []byte) error
	ListSessions() ([]*SessionMeta, error)
	DeleteSession(sessionID string) error
}

// ErrScanActive is returned when a control call requires no active scan.
var ErrScanActive = errors.New("a scan is already active")

// ErrNoActiveScan is returned when a control call requires an active scan.
var ErrNoActiveScan = errors.New("no active scan")

// Manager owns the active scan: it starts and stops the capture source, the
// processing pipeline and the checkpointer, and exposes the control surface
// used by the API layer.
type Manager struct {
	store     Store
	predictor DepthPredictor
	cfg       Config

	mu           sync.Mutex
	session      *ScanSession
	source       Source
	pipeline     *Pipeline
	checkpointer *Checkpointer
	cancel       context.CancelFunc
	listeners    []StatsListener
}

// NewManager creates a manager. predictor may be nil; in that case every
// session runs metric-only fusion.
func NewManager(store Store, predictor DepthPredictor, cfg Config) *Manager {
	return &Manager{store: store, predictor: predictor, cfg: cfg}
}

// AddListener registers a stats listener applied to every future session.
func (m *Manager) AddListener(l StatsListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Session returns the active session, or nil.
func (m *Manager) Session() *ScanSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// StartScan creates a fresh session and begins capture from the source.
func (m *Manager) StartScan(ctx context.Context, name string, source Source) (*ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		switch m.session.State() {
		case StateScanning, StatePaused, StateProcessing:
			return nil, ErrScanActive
		}
	}
	session := NewSession(name, m.cfg)
	if err := session.StartScanning(); err != nil {
		return nil, err
	}
	if err := m.launch(ctx, session, source); err != nil {
		return nil, err
	}
	return session, nil
}

// ResumeScan restores a persisted session and begins capture. The restored
// world map blob is handed to the source when it supports relocalisation.
func (m *Manager) ResumeScan(ctx context.Context, sessionID string, source Source) (*ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		switch m.session.State() {
		case StateScanning, StatePaused, StateProcessing:
			return nil, ErrScanActive
		}
	}
	session, worldMap, err := Resume(m.store, sessionID, m.cfg)
	if err != nil {
		return nil, err
	}
	if r, ok := source.(Relocalizer); ok && len(worldMap) > 0 {
		if err := r.Relocalize(worldMap); err != nil {
			monitoring.Logf("[manager] relocalisation failed, continuing with fresh tracking: %v", err)
		}
	}
	// A restored session re-enters Scanning regardless of the state it was
	// checkpointed in.
	switch session.State() {
	case StateScanning:
	case StatePaused:
		if err := session.ResumeScanning(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, session.State())
	}
	if err := m.launch(ctx, session, source); err != nil {
		return nil, err
	}
	return session, nil
}

// Relocalizer is implemented by capture sources that can restore a saved
// camera-tracking map.
type Relocalizer interface {
	Relocalize(worldMap []byte) error
}

// WorldMapProvider is implemented by capture sources that can export their
// camera-tracking map for persistence.
type WorldMapProvider interface {
	WorldMap() ([]byte, error)
}

// launch starts source, pipeline and checkpointer. Caller holds m.mu.
func (m *Manager) launch(ctx context.Context, session *ScanSession, source Source) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := source.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start capture source: %w", err)
	}

	pipeline := NewPipeline(session, source, m.predictor)
	for _, l := range m.listeners {
		pipeline.AddListener(l)
	}

	checkpointer := NewCheckpointer(CheckpointerConfig{
		Session:  session,
		Store:    m.store,
		Interval: m.cfg.Pipeline.CheckpointInterval,
		MaxQuiet: m.cfg.Pipeline.MaxSilentCheckpointFailures,
	})

	m.session = session
	m.source = source
	m.pipeline = pipeline
	m.checkpointer = checkpointer
	m.cancel = cancel

	go pipeline.Run(runCtx)
	go func() {
		if err := checkpointer.Run(runCtx); err != nil {
			monitoring.Logf("[manager] checkpointer exited: %v", err)
		}
	}()
	return nil
}

// Pause suspends frame-driven mutation without stopping capture delivery.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoActiveScan
	}
	return m.session.PauseScanning()
}

// Resume re-enables frame-driven mutation.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoActiveScan
	}
	return m.session.ResumeScanning()
}

// StopScan ends capture, runs the final full-quality extraction and leaves
// the session Completed. Background checkpoint work already enqueued may
// finish; no frame-driven mutation is applied once StopScanning has
// returned.
func (m *Manager) StopScan() (*ScanSession, error) {
	m.mu.Lock()
	session := m.session
	source := m.source
	pipeline := m.pipeline
	checkpointer := m.checkpointer
	cancel := m.cancel
	m.mu.Unlock()

	if session == nil {
		return nil, ErrNoActiveScan
	}
	if err := session.StopScanning(); err != nil {
		return nil, err
	}

	if source != nil {
		if err := source.Stop(); err != nil {
			monitoring.Logf("[manager] capture source stop: %v", err)
		}
	}
	if pipeline != nil {
		<-pipeline.Done()
	}

	// Persist the world map for completeness before the final checkpoint.
	if wp, ok := source.(WorldMapProvider); ok {
		if blob, err := wp.WorldMap(); err == nil && len(blob) > 0 {
			if err := m.store.SaveWorldMap(session.ID(), blob); err != nil {
				monitoring.Logf("[manager] world map save failed: %v", err)
			}
		}
	}
	if checkpointer != nil {
		checkpointer.Stop()
	}
	if cancel != nil {
		cancel()
	}

	// Final full-quality extraction from the accumulated mesh.
	ex := NewExtractor(m.cfg.Extractor)
	if patches := session.Mesh().Patches(); len(patches) > 0 {
		session.Cloud().Replace(ex.ExtractMesh(patches))
	}
	if err := session.Complete(); err != nil {
		return nil, err
	}

	// A completed scan no longer needs its resume snapshot.
	if err := m.store.DeleteSession(session.ID()); err != nil {
		monitoring.Logf("[manager] could not delete resume snapshot for %s: %v", session.ID(), err)
	}
	return session, nil
}

// AbortScan cancels the active scan, marking it Failed but keeping its
// persisted snapshot so it can be resumed later.
func (m *Manager) AbortScan() error {
	m.mu.Lock()
	session := m.session
	source := m.source
	checkpointer := m.checkpointer
	cancel := m.cancel
	m.mu.Unlock()

	if session == nil {
		return ErrNoActiveScan
	}
	if source != nil {
		_ = source.Stop()
	}
	if checkpointer != nil {
		checkpointer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	return session.Fail()
}

// ListSessions enumerates resumable sessions, newest first.
func (m *Manager) ListSessions() ([]*SessionMeta, error) {
	return m.store.ListSessions()
}

// DeleteSession removes a persisted session and all its blobs.
func (m *Manager) DeleteSession(id string) error {
	return m.store.DeleteSession(id)
}

// Stats returns a snapshot for the active session, or a zero snapshot.
func (m *Manager) Stats() LiveStats {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return LiveStats{State: StateIdle}
	}
	return session.Stats()
}
