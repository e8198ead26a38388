package scan

import "sync"

// SurfaceClass labels a mesh patch with the surface type reported by the
// source's scene-reconstruction subsystem.
type SurfaceClass uint8

const (
	SurfaceNone SurfaceClass = iota
	SurfaceWall
	SurfaceFloor
	SurfaceCeiling
	SurfaceTable
	SurfaceSeat
	SurfaceDoor
	SurfaceWindow
)

func (c SurfaceClass) String() string {
	switch c {
	case SurfaceWall:
		return "wall"
	case SurfaceFloor:
		return "floor"
	case SurfaceCeiling:
		return "ceiling"
	case SurfaceTable:
		return "table"
	case SurfaceSeat:
		return "seat"
	case SurfaceDoor:
		return "door"
	case SurfaceWindow:
		return "window"
	default:
		return "none"
	}
}

// MeshPatch is one piece of surface geometry keyed by the sensor's stable
// patch identity. Buffers are owned by the accumulator after upsert.
type MeshPatch struct {
	ID             string
	Vertices       []float32 // xyz triples, world space
	Normals        []float32 // xyz triples
	Faces          []uint32  // vertex index triples
	Classification SurfaceClass
}

// VertexCount returns the number of vertices in the patch.
func (p *MeshPatch) VertexCount() int { return len(p.Vertices) / 3 }

// FaceCount returns the number of triangles in the patch.
func (p *MeshPatch) FaceCount() int { return len(p.Faces) / 3 }

// MeshStats is the cheap aggregate snapshot polled by the UI.
type MeshStats struct {
	PatchCount  int
	VertexCount int
	FaceCount   int
}

// MeshAccumulator maintains the session-wide mesh as a map from patch
// identity to the latest geometry the sensor reported for it. Totals are
// tracked incrementally so Snapshot never traverses the patch map.
//
// No cross-patch deduplication is performed: overlapping patches may carry
// duplicate geometry, which is acceptable for live feedback and resolved by
// offline processing.
type MeshAccumulator struct {
	mu          sync.RWMutex
	patches     map[string]*MeshPatch
	vertexCount int
	faceCount   int
}

// NewMeshAccumulator creates an empty accumulator.
func NewMeshAccumulator() *MeshAccumulator {
	return &MeshAccumulator{patches: make(map[string]*MeshPatch)}
}

// UpsertPatch replaces any prior geometry stored under the identity. The
// accumulator takes ownership of the supplied buffers.
func (m *MeshAccumulator) UpsertPatch(id string, vertices, normals []float32, faces []uint32, class SurfaceClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.patches[id]; ok {
		m.vertexCount -= prev.VertexCount()
		m.faceCount -= prev.FaceCount()
	}
	p := &MeshPatch{ID: id, Vertices: vertices, Normals: normals, Faces: faces, Classification: class}
	m.patches[id] = p
	m.vertexCount += p.VertexCount()
	m.faceCount += p.FaceCount()
}

// RemovePatch drops a patch no longer tracked by the sensor. Removing an
// unknown identity is a no-op.
func (m *MeshAccumulator) RemovePatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.patches[id]
	if !ok {
		return
	}
	m.vertexCount -= prev.VertexCount()
	m.faceCount -= prev.FaceCount()
	delete(m.patches, id)
}

// Apply dispatches one incremental mesh update.
func (m *MeshAccumulator) Apply(u MeshUpdate) {
	switch u.Kind {
	case MeshUpsert:
		m.UpsertPatch(u.PatchID, u.Vertices, u.Normals, u.Faces, u.Classification)
	case MeshRemove:
		m.RemovePatch(u.PatchID)
	}
}

// Snapshot returns aggregate statistics without copying patch buffers.
func (m *MeshAccumulator) Snapshot() MeshStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MeshStats{
		PatchCount:  len(m.patches),
		VertexCount: m.vertexCount,
		FaceCount:   m.faceCount,
	}
}

// Patch returns a deep copy of one patch, or nil if the identity is unknown.
func (m *MeshAccumulator) Patch(id string) *MeshPatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patches[id]
	if !ok {
		return nil
	}
	return copyPatch(p)
}

// Patches returns a deep copy of all patches for checkpointing or export.
func (m *MeshAccumulator) Patches() []*MeshPatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MeshPatch, 0, len(m.patches))
	for _, p := range m.patches {
		out = append(out, copyPatch(p))
	}
	return out
}

// Restore replaces the accumulator contents with the given patches,
// recomputing totals. Used by the session resume path.
func (m *MeshAccumulator) Restore(patches []*MeshPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = make(map[string]*MeshPatch, len(patches))
	m.vertexCount = 0
	m.faceCount = 0
	for _, p := range patches {
		cp := copyPatch(p)
		m.patches[cp.ID] = cp
		m.vertexCount += cp.VertexCount()
		m.faceCount += cp.FaceCount()
	}
}

// Reset drops all patches.
func (m *MeshAccumulator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = make(map[string]*MeshPatch)
	m.vertexCount = 0
	m.faceCount = 0
}

func copyPatch(p *MeshPatch) *MeshPatch {
	cp := &MeshPatch{ID: p.ID, Classification: p.Classification}
	cp.Vertices = append([]float32(nil), p.Vertices...)
	cp.Normals = append([]float32(nil), p.Normals...)
	cp.Faces = append([]uint32(nil), p.Faces...)
	return cp
}
