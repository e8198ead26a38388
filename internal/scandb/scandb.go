// Package scandb provides SQLite-backed persistence for scan sessions:
// metadata records, mesh checkpoints, coverage grids and camera-tracking
// world maps, all keyed by session id.
package scandb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/depthscan/internal/scan"
)

// ScanDB wraps the session database.
type ScanDB struct {
	*sql.DB
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Open opens (creating if necessary) the session database at path and runs
// any pending migrations.
func Open(path string) (*ScanDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Concurrent readers (API, report tools) alongside the checkpoint
	// writer need WAL.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	sdb := &ScanDB{db}
	if err := sdb.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return sdb, nil
}

// SaveCheckpoint writes the session metadata record and mesh blob in one
// transaction so a resume never sees metadata without its mesh.
func (db *ScanDB) SaveCheckpoint(cp *scan.Checkpoint) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	meta := cp.Meta
	_, err = tx.Exec(`
		INSERT INTO scan_sessions (id, name, state, created_unix_nanos, updated_unix_nanos,
			vertex_count, face_count, point_count, covered_cells)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			updated_unix_nanos = excluded.updated_unix_nanos,
			vertex_count = excluded.vertex_count,
			face_count = excluded.face_count,
			point_count = excluded.point_count,
			covered_cells = excluded.covered_cells
	`, meta.ID, meta.Name, meta.State, meta.CreatedUnixNanos, meta.UpdatedUnixNanos,
		meta.VertexCount, meta.FaceCount, meta.PointCount, meta.CoveredCells)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", meta.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO mesh_checkpoints (session_id, blob, saved_unix_nanos)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			blob = excluded.blob,
			saved_unix_nanos = excluded.saved_unix_nanos
	`, meta.ID, cp.MeshBlob, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert mesh checkpoint %s: %w", meta.ID, err)
	}

	return tx.Commit()
}

// SaveWorldMap stores the camera-tracking map blob for a session.
func (db *ScanDB) SaveWorldMap(sessionID string, blob []byte) error {
	return db.saveBlob("world_maps", sessionID, blob)
}

// LoadWorldMap retrieves the camera-tracking map blob for a session.
func (db *ScanDB) LoadWorldMap(sessionID string) ([]byte, error) {
	return db.loadBlob("world_maps", sessionID)
}

// SaveCoverageGrid stores the serialized coverage grid for a session.
func (db *ScanDB) SaveCoverageGrid(sessionID string, blob []byte) error {
	return db.saveBlob("coverage_grids", sessionID, blob)
}

// LoadCoverageGrid retrieves the serialized coverage grid for a session.
func (db *ScanDB) LoadCoverageGrid(sessionID string) ([]byte, error) {
	return db.loadBlob("coverage_grids", sessionID)
}

// LoadMeshCheckpoint retrieves the mesh checkpoint blob for a session.
func (db *ScanDB) LoadMeshCheckpoint(sessionID string) ([]byte, error) {
	return db.loadBlob("mesh_checkpoints", sessionID)
}

func (db *ScanDB) saveBlob(table, sessionID string, blob []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, blob, saved_unix_nanos)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			blob = excluded.blob,
			saved_unix_nanos = excluded.saved_unix_nanos
	`, table)
	if _, err := db.Exec(query, sessionID, blob, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("save %s for %s: %w", table, sessionID, err)
	}
	return nil
}

func (db *ScanDB) loadBlob(table, sessionID string) ([]byte, error) {
	var blob []byte
	query := fmt.Sprintf("SELECT blob FROM %s WHERE session_id = ?", table)
	err := db.QueryRow(query, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s for %s: %w", table, sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s for %s: %w", table, sessionID, err)
	}
	return blob, nil
}

// LoadSessionMeta retrieves the metadata record for a session.
func (db *ScanDB) LoadSessionMeta(sessionID string) (*scan.SessionMeta, error) {
	row := db.QueryRow(`
		SELECT id, name, state, created_unix_nanos, updated_unix_nanos,
			vertex_count, face_count, point_count, covered_cells
		FROM scan_sessions WHERE id = ?
	`, sessionID)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return meta, err
}

// ListSessions enumerates persisted sessions, newest first.
func (db *ScanDB) ListSessions() ([]*scan.SessionMeta, error) {
	rows, err := db.Query(`
		SELECT id, name, state, created_unix_nanos, updated_unix_nanos,
			vertex_count, face_count, point_count, covered_cells
		FROM scan_sessions
		ORDER BY updated_unix_nanos DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scan.SessionMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// DeleteSession removes the metadata record and every blob for a session.
func (db *ScanDB) DeleteSession(sessionID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"mesh_checkpoints", "coverage_grids", "world_maps", "scan_sessions"} {
		col := "session_id"
		if table == "scan_sessions" {
			col = "id"
		}
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, col), sessionID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(r rowScanner) (*scan.SessionMeta, error) {
	var m scan.SessionMeta
	err := r.Scan(&m.ID, &m.Name, &m.State, &m.CreatedUnixNanos, &m.UpdatedUnixNanos,
		&m.VertexCount, &m.FaceCount, &m.PointCount, &m.CoveredCells)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
