package scan

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/depthscan/internal/monitoring"
)

// ErrSessionUnreadable is returned when a resume is requested for a session
// whose metadata itself cannot be read. This is the only persistence failure
// surfaced to the user; missing or corrupt blobs degrade to empty defaults.
var ErrSessionUnreadable = errors.New("session metadata unreadable")

// SessionMeta is the durable metadata record for one persisted session.
type SessionMeta struct {
	ID               string
	Name             string
	State            string
	CreatedUnixNanos int64
	UpdatedUnixNanos int64
	VertexCount      int
	FaceCount        int
	PointCount       int
	CoveredCells     int
}

// Checkpoint is one durable point-in-time snapshot of session state.
type Checkpoint struct {
	Meta     SessionMeta
	MeshBlob []byte
}

// CheckpointStore is what the checkpointer needs from durable storage.
// Implemented by scandb.ScanDB.
type CheckpointStore interface {
	// SaveCheckpoint writes the metadata record and mesh blob atomically.
	SaveCheckpoint(cp *Checkpoint) error
	// SaveCoverageGrid stores the coverage blob for a session.
	SaveCoverageGrid(sessionID string, blob []byte) error
}

// ResumeStore is what the resume path needs from durable storage.
type ResumeStore interface {
	LoadSessionMeta(sessionID string) (*SessionMeta, error)
	LoadMeshCheckpoint(sessionID string) ([]byte, error)
	LoadCoverageGrid(sessionID string) ([]byte, error)
	LoadWorldMap(sessionID string) ([]byte, error)
}

// serializeMesh compresses mesh patches using gob encoding and gzip.
func serializeMesh(patches []*MeshPatch) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(patches); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeMesh restores mesh patches from a checkpoint blob.
func deserializeMesh(blob []byte) ([]*MeshPatch, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("mesh blob: %w", err)
	}
	defer gz.Close()
	var patches []*MeshPatch
	if err := gob.NewDecoder(gz).Decode(&patches); err != nil {
		return nil, fmt.Errorf("mesh blob: %w", err)
	}
	return patches, nil
}

// BuildCheckpoint snapshots the session into a durable record. Buffers are
// copied under the session's read locks, so an in-flight frame never tears
// the checkpoint.
func BuildCheckpoint(s *ScanSession) (*Checkpoint, error) {
	meshBlob, err := serializeMesh(s.Mesh().Patches())
	if err != nil {
		return nil, fmt.Errorf("serialize mesh: %w", err)
	}
	stats := s.Stats()
	return &Checkpoint{
		Meta: SessionMeta{
			ID:               s.ID(),
			Name:             s.Name(),
			State:            stats.State.String(),
			CreatedUnixNanos: s.CreatedAt().UnixNano(),
			UpdatedUnixNanos: time.Now().UnixNano(),
			VertexCount:      stats.VertexCount,
			FaceCount:        stats.FaceCount,
			PointCount:       stats.PointCount,
			CoveredCells:     stats.CoveredCells,
		},
		MeshBlob: meshBlob,
	}, nil
}

// WriteCheckpoint persists the session metadata, mesh and coverage grid.
func WriteCheckpoint(store CheckpointStore, s *ScanSession) error {
	cp, err := BuildCheckpoint(s)
	if err != nil {
		return err
	}
	if err := store.SaveCheckpoint(cp); err != nil {
		return err
	}
	covBlob, err := s.Coverage().Serialize()
	if err != nil {
		return fmt.Errorf("serialize coverage: %w", err)
	}
	return store.SaveCoverageGrid(s.ID(), covBlob)
}

// Resume restores a persisted session. A missing or corrupt mesh or coverage
// blob logs a warning and leaves that piece empty so the user can keep
// scanning; only unreadable metadata aborts the resume. The returned world
// map blob (possibly nil) is handed back to the capture source for
// relocalisation.
func Resume(store ResumeStore, sessionID string, cfg Config) (*ScanSession, []byte, error) {
	meta, err := store.LoadSessionMeta(sessionID)
	if err != nil || meta == nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrSessionUnreadable, sessionID, err)
	}

	s := RestoreSession(meta.ID, meta.Name, ParseSessionState(meta.State), time.Unix(0, meta.CreatedUnixNanos), cfg)

	if blob, err := store.LoadMeshCheckpoint(sessionID); err != nil {
		monitoring.Logf("[resume %s] mesh checkpoint unavailable, continuing with empty mesh: %v", sessionID, err)
	} else if patches, err := deserializeMesh(blob); err != nil {
		monitoring.Logf("[resume %s] mesh checkpoint corrupt, continuing with empty mesh: %v", sessionID, err)
	} else {
		s.Mesh().Restore(patches)
	}

	if blob, err := store.LoadCoverageGrid(sessionID); err != nil {
		monitoring.Logf("[resume %s] coverage grid unavailable, continuing with empty grid: %v", sessionID, err)
	} else if err := s.Coverage().Restore(blob); err != nil {
		monitoring.Logf("[resume %s] coverage grid corrupt, continuing with empty grid: %v", sessionID, err)
	}

	worldMap, err := store.LoadWorldMap(sessionID)
	if err != nil {
		monitoring.Logf("[resume %s] world map unavailable, tracking will relocalise from scratch: %v", sessionID, err)
		worldMap = nil
	}

	return s, worldMap, nil
}
