package scan

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/depthscan/internal/monitoring"
)

// CellKey addresses one voxel of the coverage grid by quantised world
// coordinates.
type CellKey struct {
	X, Y, Z int32
}

// CoverageCell holds the observation-quality score and recency for one voxel.
type CoverageCell struct {
	Score             float32
	LastSeenUnixNanos int64
	ObservationCount  uint32
	LastConfidence    float32
}

// GapHint is one under-covered boundary region reported for operator
// guidance, ranked by distance from the current camera position.
type GapHint struct {
	Center    r3.Vector
	DistanceM float64
}

// coverageSnapshot is the gob wire format for grid persistence. Field order
// and types must stay stable across releases; add new fields at the end.
type coverageSnapshot struct {
	Version   int
	CellSizeM float64
	Keys      []CellKey
	Cells     []CoverageCell
}

const coverageSnapshotVersion = 1

// CoverageAnalyzer maintains a sparse voxel grid over scanned surfaces and
// answers how much of the real surface has been observed with sufficient
// quality. The grid grows lazily as new regions are observed and never
// shrinks except on Reset.
type CoverageAnalyzer struct {
	mu     sync.RWMutex
	params CoverageParams

	active bool
	cells  map[CellKey]*CoverageCell

	// covered tracks cells at or above the threshold so summary reads do
	// not traverse the full map.
	covered int

	lastGaps []GapHint
}

// NewCoverageAnalyzer creates an analyzer in the Idle state (no grid).
func NewCoverageAnalyzer(params CoverageParams) *CoverageAnalyzer {
	return &CoverageAnalyzer{params: params}
}

// Active reports whether the analyzer has an accumulating grid.
func (ca *CoverageAnalyzer) Active() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.active
}

// keyFor quantises a world position into its grid cell.
func (ca *CoverageAnalyzer) keyFor(p r3.Vector) CellKey {
	s := ca.params.CellSizeM
	return CellKey{
		X: int32(math.Floor(p.X / s)),
		Y: int32(math.Floor(p.Y / s)),
		Z: int32(math.Floor(p.Z / s)),
	}
}

// cellCenter returns the world-space centre of a cell.
func (ca *CoverageAnalyzer) cellCenter(k CellKey) r3.Vector {
	s := ca.params.CellSizeM
	return r3.Vector{
		X: (float64(k.X) + 0.5) * s,
		Y: (float64(k.Y) + 0.5) * s,
		Z: (float64(k.Z) + 0.5) * s,
	}
}

// Observe folds one frame's observed surface points into the grid. Points
// beyond sensor range of the camera are ignored. Cell updates are
// commutative within a frame: each point contributes an independent
// recency-weighted average step bounded to [0,1].
func (ca *CoverageAnalyzer) Observe(points []Point, cameraPos r3.Vector, now time.Time) {
	if len(points) == 0 {
		return
	}
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if !ca.active {
		ca.cells = make(map[CellKey]*CoverageCell)
		ca.active = true
	}

	nowNanos := now.UnixNano()
	maxRange := ca.params.MaxObservationRangeM
	gain := ca.params.ObservationGain
	threshold := ca.params.CoveredThreshold

	for _, p := range points {
		if maxRange > 0 && p.Position.Sub(cameraPos).Norm() > maxRange {
			continue
		}
		k := ca.keyFor(p.Position)
		c, ok := ca.cells[k]
		if !ok {
			c = &CoverageCell{}
			ca.cells[k] = c
		}

		wasCovered := c.Score >= threshold

		// Decay the stored score by elapsed time since the cell was last
		// refreshed, bounding staleness, then blend in the new observation.
		if c.LastSeenUnixNanos > 0 {
			c.Score *= ca.decayFactor(nowNanos - c.LastSeenUnixNanos)
		}
		c.Score += gain * (p.Confidence - c.Score)
		if c.Score < 0 {
			c.Score = 0
		} else if c.Score > 1 {
			c.Score = 1
		}
		c.LastSeenUnixNanos = nowNanos
		c.ObservationCount++
		c.LastConfidence = p.Confidence

		if isCovered := c.Score >= threshold; isCovered != wasCovered {
			if isCovered {
				ca.covered++
			} else {
				ca.covered--
			}
		}
	}
}

func (ca *CoverageAnalyzer) decayFactor(elapsedNanos int64) float32 {
	hl := ca.params.StalenessHalfLife
	if hl <= 0 || elapsedNanos <= 0 {
		return 1
	}
	return float32(math.Exp2(-float64(elapsedNanos) / float64(hl.Nanoseconds())))
}

// CoveredSummary returns the covered cell count and the covered fraction of
// all populated cells.
func (ca *CoverageAnalyzer) CoveredSummary() (covered int, fraction float64) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if len(ca.cells) == 0 {
		return 0, 0
	}
	return ca.covered, float64(ca.covered) / float64(len(ca.cells))
}

// CellCount returns the number of populated cells.
func (ca *CoverageAnalyzer) CellCount() int {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return len(ca.cells)
}

// Cells returns a copy of the populated grid for reporting tools.
func (ca *CoverageAnalyzer) Cells() map[CellKey]CoverageCell {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	out := make(map[CellKey]CoverageCell, len(ca.cells))
	for k, c := range ca.cells {
		out[k] = *c
	}
	return out
}

// CellSize returns the configured voxel edge length in metres.
func (ca *CoverageAnalyzer) CellSize() float64 { return ca.params.CellSizeM }

var neighborOffsets = [6]CellKey{
	{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
}

// FindGaps scans the grid boundary for cells adjacent to covered cells that
// are themselves under-covered, and returns up to MaxGapResults hints ranked
// nearest-first from the camera. The scan is O(covered cells) and is
// amortised by the pipeline, not run every frame.
func (ca *CoverageAnalyzer) FindGaps(cameraPos r3.Vector) []GapHint {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if !ca.active {
		return nil
	}
	threshold := ca.params.CoveredThreshold

	seen := make(map[CellKey]bool)
	var gaps []GapHint
	for k, c := range ca.cells {
		if c.Score < threshold {
			continue
		}
		for _, off := range neighborOffsets {
			nk := CellKey{X: k.X + off.X, Y: k.Y + off.Y, Z: k.Z + off.Z}
			if seen[nk] {
				continue
			}
			if nc, ok := ca.cells[nk]; ok && nc.Score >= threshold {
				continue
			}
			seen[nk] = true
			center := ca.cellCenter(nk)
			gaps = append(gaps, GapHint{
				Center:    center,
				DistanceM: center.Sub(cameraPos).Norm(),
			})
		}
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].DistanceM < gaps[j].DistanceM })
	if maxN := ca.params.MaxGapResults; maxN > 0 && len(gaps) > maxN {
		gaps = gaps[:maxN]
	}
	ca.lastGaps = gaps
	return gaps
}

// LastGaps returns the most recent gap scan result.
func (ca *CoverageAnalyzer) LastGaps() []GapHint {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	out := make([]GapHint, len(ca.lastGaps))
	copy(out, ca.lastGaps)
	return out
}

// Reset returns the analyzer to Idle, discarding the grid.
func (ca *CoverageAnalyzer) Reset() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.active = false
	ca.cells = nil
	ca.covered = 0
	ca.lastGaps = nil
}

// Serialize exports the grid as a compact gob+gzip blob for persistence.
// Import restores exactly the cell layout, scores and timestamps.
func (ca *CoverageAnalyzer) Serialize() ([]byte, error) {
	ca.mu.RLock()
	snap := coverageSnapshot{
		Version:   coverageSnapshotVersion,
		CellSizeM: ca.params.CellSizeM,
		Keys:      make([]CellKey, 0, len(ca.cells)),
		Cells:     make([]CoverageCell, 0, len(ca.cells)),
	}
	for k, c := range ca.cells {
		snap.Keys = append(snap.Keys, k)
		snap.Cells = append(snap.Cells, *c)
	}
	ca.mu.RUnlock()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(snap); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the grid from a serialized blob. A nil or empty blob
// leaves the analyzer Idle.
func (ca *CoverageAnalyzer) Restore(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("coverage blob: %w", err)
	}
	defer gz.Close()
	var snap coverageSnapshot
	if err := gob.NewDecoder(gz).Decode(&snap); err != nil {
		return fmt.Errorf("coverage blob: %w", err)
	}
	if snap.Version != coverageSnapshotVersion {
		return fmt.Errorf("coverage blob: unsupported version %d", snap.Version)
	}
	if len(snap.Keys) != len(snap.Cells) {
		return fmt.Errorf("coverage blob: %d keys vs %d cells", len(snap.Keys), len(snap.Cells))
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if snap.CellSizeM != ca.params.CellSizeM && snap.CellSizeM > 0 {
		// A grid saved under a different resolution cannot be merged with
		// new observations; adopt the stored resolution.
		monitoring.Logf("[coverage] restoring grid with cell size %.3fm (configured %.3fm)", snap.CellSizeM, ca.params.CellSizeM)
		ca.params.CellSizeM = snap.CellSizeM
	}
	ca.cells = make(map[CellKey]*CoverageCell, len(snap.Keys))
	ca.covered = 0
	for i, k := range snap.Keys {
		c := snap.Cells[i]
		ca.cells[k] = &c
		if c.Score >= ca.params.CoveredThreshold {
			ca.covered++
		}
	}
	ca.active = len(ca.cells) > 0
	return nil
}
