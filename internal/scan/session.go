package scan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/depthscan/internal/geom"
	"github.com/banshee-data/depthscan/internal/monitoring"
)

// SessionState is the lifecycle state of a scan session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateScanning
	StatePaused
	StateProcessing
	StateCompleted
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StatePaused:
		return "paused"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseSessionState converts a stored state string back to a SessionState.
func ParseSessionState(s string) SessionState {
	switch s {
	case "scanning":
		return StateScanning
	case "paused":
		return StatePaused
	case "processing":
		return StateProcessing
	case "completed":
		return StateCompleted
	case "failed":
		return StateFailed
	default:
		return StateIdle
	}
}

// ErrInvalidTransition is returned when a lifecycle call is not legal from
// the session's current state. Callers treat it as a programming error: it is
// logged and the session state is left unchanged.
var ErrInvalidTransition = errors.New("invalid session state transition")

// TimedPose is one entry of the camera trajectory.
type TimedPose struct {
	Timestamp time.Time
	Pose      geom.Pose
}

// DepthFrameSample is one bounded-log entry retained for downstream export.
type DepthFrameSample struct {
	Timestamp time.Time
	Pose      geom.Pose
	Depth     *geom.Field
}

// TextureFrameSample is one bounded-log entry of color data for texturing.
type TextureFrameSample struct {
	Timestamp time.Time
	Pose      geom.Pose
	Color     *ColorImage
}

// LiveStats is the immutable snapshot handed to UI-facing readers. It is
// rebuilt on demand; readers never hold live references into session state.
type LiveStats struct {
	SessionID       string
	State           SessionState
	PointCount      int
	VertexCount     int
	FaceCount       int
	PatchCount      int
	CoveredCells    int
	CoveredFraction float64
	Gaps            []GapHint
	Tracking        TrackingState
	TrackingWarning string
	FramesProcessed int64
	FramesSkipped   int64
	UpdatedAt       time.Time
}

// ScanSession is the aggregate root for one capture attempt. All mutation
// happens on the processing pipeline; other consumers read snapshots.
type ScanSession struct {
	mu sync.RWMutex

	id        string
	name      string
	createdAt time.Time
	updatedAt time.Time
	state     SessionState

	trajectory []TimedPose
	mesh       *MeshAccumulator
	cloud      *PointCloud
	coverage   *CoverageAnalyzer

	depthLog   []DepthFrameSample
	textureLog []TextureFrameSample

	framesProcessed int64
	framesSkipped   int64
	badFrameStreak  int
	tracking        TrackingState
	trackingWarning string

	cfg Config
}

// NewSession creates an Idle session with a fresh identity.
func NewSession(name string, cfg Config) *ScanSession {
	now := time.Now()
	return &ScanSession{
		id:        uuid.NewString(),
		name:      name,
		createdAt: now,
		updatedAt: now,
		state:     StateIdle,
		mesh:      NewMeshAccumulator(),
		cloud:     NewPointCloud(),
		coverage:  NewCoverageAnalyzer(cfg.Coverage),
		cfg:       cfg,
	}
}

// RestoreSession rebuilds a session from persisted metadata. Mesh, cloud and
// coverage are restored separately by the resume path; a missing piece leaves
// the corresponding component empty.
func RestoreSession(id, name string, state SessionState, createdAt time.Time, cfg Config) *ScanSession {
	s := NewSession(name, cfg)
	s.id = id
	s.createdAt = createdAt
	s.state = state
	return s
}

// ID returns the stable session identifier.
func (s *ScanSession) ID() string { return s.id }

// Name returns the user-visible session name.
func (s *ScanSession) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// State returns the current lifecycle state.
func (s *ScanSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *ScanSession) CreatedAt() time.Time { return s.createdAt }

// Mesh returns the session's mesh accumulator.
func (s *ScanSession) Mesh() *MeshAccumulator { return s.mesh }

// Cloud returns the session's merged point cloud.
func (s *ScanSession) Cloud() *PointCloud { return s.cloud }

// Coverage returns the session's coverage analyzer.
func (s *ScanSession) Coverage() *CoverageAnalyzer { return s.coverage }

// Config returns the configuration the session was created with.
func (s *ScanSession) Config() Config { return s.cfg }

func (s *ScanSession) transition(from []SessionState, to SessionState, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			s.updatedAt = time.Now()
			return nil
		}
	}
	monitoring.Logf("[session %s] rejected %s: state=%s", s.id, op, s.state)
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, s.state)
}

// StartScanning moves an Idle session into Scanning.
func (s *ScanSession) StartScanning() error {
	return s.transition([]SessionState{StateIdle}, StateScanning, "startScanning")
}

// PauseScanning suspends frame-driven mutation. Pausing an already paused
// session is a no-op.
func (s *ScanSession) PauseScanning() error {
	s.mu.Lock()
	if s.state == StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.transition([]SessionState{StateScanning}, StatePaused, "pauseScanning")
}

// ResumeScanning resumes a Paused session. Resuming while already Scanning is
// a no-op.
func (s *ScanSession) ResumeScanning() error {
	s.mu.Lock()
	if s.state == StateScanning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.transition([]SessionState{StatePaused}, StateScanning, "resumeScanning")
}

// StopScanning ends capture and moves to Processing. Legal only from Scanning
// or Paused. After it returns no further frame-driven mutation is applied.
func (s *ScanSession) StopScanning() error {
	return s.transition([]SessionState{StateScanning, StatePaused}, StateProcessing, "stopScanning")
}

// Complete marks processing as successfully finished.
func (s *ScanSession) Complete() error {
	return s.transition([]SessionState{StateProcessing}, StateCompleted, "complete")
}

// Fail marks the session as failed.
func (s *ScanSession) Fail() error {
	return s.transition([]SessionState{StateScanning, StatePaused, StateProcessing}, StateFailed, "fail")
}

// Reset returns the session to Idle and clears all accumulated data. Only
// legal from Idle, Completed or Failed.
func (s *ScanSession) Reset() error {
	if err := s.transition([]SessionState{StateIdle, StateCompleted, StateFailed}, StateIdle, "reset"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trajectory = nil
	s.depthLog = nil
	s.textureLog = nil
	s.framesProcessed = 0
	s.framesSkipped = 0
	s.badFrameStreak = 0
	s.trackingWarning = ""
	s.mesh.Reset()
	s.cloud.Reset()
	s.coverage.Reset()
	return nil
}

// mutable reports whether frame-driven mutation is currently legal. The
// pipeline checks this immediately before applying each fusion result so
// that nothing lands after StopScanning returns.
func (s *ScanSession) mutable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateScanning
}

// applyFrame runs fn while holding the session lock iff the session is still
// Scanning, and reports whether it ran. StopScanning takes the same lock, so
// once it returns no in-flight frame can land.
func (s *ScanSession) applyFrame(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning {
		return false
	}
	fn()
	return true
}

// AppendPose records a camera pose while scanning. Poses delivered in any
// other state are dropped.
func (s *ScanSession) AppendPose(ts time.Time, pose geom.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning {
		return
	}
	s.trajectory = append(s.trajectory, TimedPose{Timestamp: ts, Pose: pose})
}

// Trajectory returns a copy of the recorded camera trajectory.
func (s *ScanSession) Trajectory() []TimedPose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TimedPose, len(s.trajectory))
	copy(out, s.trajectory)
	return out
}

// logDepthFrame appends to the bounded depth sample log, dropping the oldest
// entry once the retention cap is reached.
func (s *ScanSession) logDepthFrame(sample DepthFrameSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning {
		return
	}
	s.depthLog = append(s.depthLog, sample)
	if maxN := s.cfg.Pipeline.MaxDepthLogFrames; maxN > 0 && len(s.depthLog) > maxN {
		s.depthLog = s.depthLog[len(s.depthLog)-maxN:]
	}
}

func (s *ScanSession) logTextureFrame(sample TextureFrameSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning {
		return
	}
	s.textureLog = append(s.textureLog, sample)
	if maxN := s.cfg.Pipeline.MaxTextureLogFrames; maxN > 0 && len(s.textureLog) > maxN {
		s.textureLog = s.textureLog[len(s.textureLog)-maxN:]
	}
}

// DepthLogLen returns the number of retained depth samples.
func (s *ScanSession) DepthLogLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.depthLog)
}

// TextureLogLen returns the number of retained texture samples.
func (s *ScanSession) TextureLogLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.textureLog)
}

func (s *ScanSession) noteProcessed(tracking TrackingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesProcessed++
	s.badFrameStreak = 0
	s.tracking = tracking
	s.trackingWarning = ""
	s.updatedAt = time.Now()
}

func (s *ScanSession) noteSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesSkipped++
	s.badFrameStreak++
	if warn := s.cfg.Pipeline.BadFrameWarnStreak; warn > 0 && s.badFrameStreak >= warn {
		s.trackingWarning = fmt.Sprintf("%d consecutive frames rejected; check sensor", s.badFrameStreak)
	}
}

// Stats builds an immutable snapshot of live statistics for UI polling.
func (s *ScanSession) Stats() LiveStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meshStats := s.mesh.Snapshot()
	covered, fraction := s.coverage.CoveredSummary()
	return LiveStats{
		SessionID:       s.id,
		State:           s.state,
		PointCount:      s.cloud.Len(),
		VertexCount:     meshStats.VertexCount,
		FaceCount:       meshStats.FaceCount,
		PatchCount:      meshStats.PatchCount,
		CoveredCells:    covered,
		CoveredFraction: fraction,
		Gaps:            s.coverage.LastGaps(),
		Tracking:        s.tracking,
		TrackingWarning: s.trackingWarning,
		FramesProcessed: s.framesProcessed,
		FramesSkipped:   s.framesSkipped,
		UpdatedAt:       s.updatedAt,
	}
}
