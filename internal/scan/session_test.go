package scan

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/depthscan/internal/geom"
)

func newScanningSession(t *testing.T) *ScanSession {
	t.Helper()
	s := NewSession("test", DefaultConfig())
	if err := s.StartScanning(); err != nil {
		t.Fatalf("StartScanning: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("kitchen", DefaultConfig())
	if s.State() != StateIdle {
		t.Fatalf("new session state = %v, want idle", s.State())
	}
	if s.ID() == "" {
		t.Fatal("session has no id")
	}

	if err := s.StartScanning(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.PauseScanning(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.ResumeScanning(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.StopScanning(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != StateProcessing {
		t.Errorf("state after stop = %v, want processing", s.State())
	}
	if err := s.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.State() != StateCompleted {
		t.Errorf("state = %v, want completed", s.State())
	}
}

func TestSessionInvalidTransitions(t *testing.T) {
	s := NewSession("t", DefaultConfig())

	// Cannot pause, stop or complete from idle.
	if err := s.PauseScanning(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pause from idle: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.StopScanning(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stop from idle: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.Complete(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete from idle: err = %v, want ErrInvalidTransition", err)
	}

	// A rejected transition leaves state untouched.
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle after rejected transitions", s.State())
	}

	// Cannot start twice.
	if err := s.StartScanning(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StartScanning(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second start: err = %v, want ErrInvalidTransition", err)
	}
}

func TestSessionPauseResumeIdempotent(t *testing.T) {
	s := newScanningSession(t)

	if err := s.PauseScanning(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Pausing a paused session is a no-op, not an error.
	if err := s.PauseScanning(); err != nil {
		t.Errorf("second pause: %v", err)
	}
	if s.State() != StatePaused {
		t.Errorf("state = %v, want paused", s.State())
	}

	if err := s.ResumeScanning(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.ResumeScanning(); err != nil {
		t.Errorf("second resume: %v", err)
	}
	if s.State() != StateScanning {
		t.Errorf("state = %v, want scanning", s.State())
	}
}

func TestSessionStopFromPaused(t *testing.T) {
	s := newScanningSession(t)
	if err := s.PauseScanning(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.StopScanning(); err != nil {
		t.Fatalf("stop from paused: %v", err)
	}
}

func TestSessionFailAndReset(t *testing.T) {
	s := newScanningSession(t)
	s.AppendPose(time.Now(), geom.IdentityPose())
	s.Mesh().UpsertPatch("p1", []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}, nil, []uint32{0, 1, 2}, SurfaceWall)

	if err := s.Fail(); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if len(s.Trajectory()) != 0 {
		t.Error("reset should clear the trajectory")
	}
	if s.Mesh().Snapshot().PatchCount != 0 {
		t.Error("reset should clear the mesh")
	}
}

func TestApplyFrameGatedByState(t *testing.T) {
	s := newScanningSession(t)

	ran := false
	if !s.applyFrame(func() { ran = true }) {
		t.Fatal("applyFrame should run while scanning")
	}
	if !ran {
		t.Fatal("applyFrame did not invoke fn")
	}

	if err := s.StopScanning(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Once StopScanning has returned, no in-flight frame may land.
	if s.applyFrame(func() { t.Error("fn ran after stop") }) {
		t.Error("applyFrame should refuse after stop")
	}
}

func TestAppendPoseDroppedWhenNotScanning(t *testing.T) {
	s := NewSession("t", DefaultConfig())
	s.AppendPose(time.Now(), geom.IdentityPose())
	if len(s.Trajectory()) != 0 {
		t.Error("pose recorded while idle")
	}

	if err := s.StartScanning(); err != nil {
		t.Fatal(err)
	}
	s.AppendPose(time.Now(), geom.IdentityPose())
	if len(s.Trajectory()) != 1 {
		t.Errorf("trajectory len = %d, want 1", len(s.Trajectory()))
	}

	if err := s.PauseScanning(); err != nil {
		t.Fatal(err)
	}
	s.AppendPose(time.Now(), geom.IdentityPose())
	if len(s.Trajectory()) != 1 {
		t.Error("pose recorded while paused")
	}
}

func TestDepthLogBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.MaxDepthLogFrames = 3
	s := NewSession("t", cfg)
	if err := s.StartScanning(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		s.logDepthFrame(DepthFrameSample{Timestamp: time.Now(), Depth: geom.NewField(2, 2)})
	}
	if got := s.DepthLogLen(); got != 3 {
		t.Errorf("depth log len = %d, want 3", got)
	}
}

func TestBadFrameStreakWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.BadFrameWarnStreak = 3
	s := NewSession("t", cfg)
	if err := s.StartScanning(); err != nil {
		t.Fatal(err)
	}

	s.noteSkipped()
	s.noteSkipped()
	if warn := s.Stats().TrackingWarning; warn != "" {
		t.Errorf("warning raised too early: %q", warn)
	}
	s.noteSkipped()
	if warn := s.Stats().TrackingWarning; warn == "" {
		t.Error("no warning after reaching the streak threshold")
	}

	// One good frame clears the streak and the warning.
	s.noteProcessed(TrackingNormal)
	if warn := s.Stats().TrackingWarning; warn != "" {
		t.Errorf("warning not cleared by a processed frame: %q", warn)
	}
}

func TestParseSessionStateRoundTrip(t *testing.T) {
	states := []SessionState{StateIdle, StateScanning, StatePaused, StateProcessing, StateCompleted, StateFailed}
	for _, st := range states {
		if got := ParseSessionState(st.String()); got != st {
			t.Errorf("ParseSessionState(%q) = %v, want %v", st.String(), got, st)
		}
	}
	if got := ParseSessionState("garbage"); got != StateIdle {
		t.Errorf("unknown state parsed to %v, want idle", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := newScanningSession(t)
	s.Mesh().UpsertPatch("p1", make([]float32, 9), nil, []uint32{0, 1, 2}, SurfaceFloor)
	s.noteProcessed(TrackingNormal)

	st := s.Stats()
	if st.SessionID != s.ID() {
		t.Errorf("snapshot id = %q, want %q", st.SessionID, s.ID())
	}
	if st.State != StateScanning {
		t.Errorf("snapshot state = %v, want scanning", st.State)
	}
	if st.VertexCount != 3 || st.FaceCount != 1 || st.PatchCount != 1 {
		t.Errorf("mesh counts = %d/%d/%d, want 3/1/1", st.VertexCount, st.FaceCount, st.PatchCount)
	}
	if st.FramesProcessed != 1 {
		t.Errorf("frames processed = %d, want 1", st.FramesProcessed)
	}
}
