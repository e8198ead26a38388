package scan

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/depthscan/internal/monitoring"
)

// StatsListener receives immutable stats snapshots as the scan progresses.
// Listeners must return quickly; they are invoked from the processing
// goroutine.
type StatsListener func(LiveStats)

// Pipeline is the single logical writer of session state. It consumes frames
// from a capture source, runs fusion, mesh/point accumulation and coverage
// analysis, and publishes stats snapshots to listeners. All cross-component
// communication flows through the ScanSession aggregate; the fusion, mesh
// and coverage components never reference each other.
type Pipeline struct {
	session   *ScanSession
	source    Source
	fusion    *FusionEngine
	extractor *Extractor
	cfg       Config

	mu        sync.Mutex
	listeners []StatsListener

	frameCount     int64 // frames delivered, including skipped
	processedCount int64 // frames fully applied
	lastNotify     time.Time

	doneCh chan struct{}
}

// NewPipeline wires a pipeline for the session. predictor may be nil.
func NewPipeline(session *ScanSession, source Source, predictor DepthPredictor) *Pipeline {
	cfg := session.Config()
	return &Pipeline{
		session:   session,
		source:    source,
		fusion:    NewFusionEngine(cfg.Fusion, predictor),
		extractor: NewExtractor(cfg.Extractor),
		cfg:       cfg,
		doneCh:    make(chan struct{}),
	}
}

// AddListener registers a stats listener.
func (pl *Pipeline) AddListener(l StatsListener) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.listeners = append(pl.listeners, l)
}

// Done is closed when the processing loop has drained and exited.
func (pl *Pipeline) Done() <-chan struct{} { return pl.doneCh }

// Run consumes frames until the source channel closes or the context is
// cancelled. Frames arriving while the session is not Scanning are dropped;
// the loop keeps draining so a paused scan does not back-pressure the
// sensor.
func (pl *Pipeline) Run(ctx context.Context) {
	defer close(pl.doneCh)
	frames := pl.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			pl.handleFrame(frame)
		}
	}
}

func (pl *Pipeline) handleFrame(frame *SensorFrame) {
	pl.frameCount++

	if !pl.session.mutable() {
		return
	}
	if !frame.Valid() {
		pl.session.noteSkipped()
		return
	}

	useAI := pl.cfg.Pipeline.AIFrameStride > 0 && pl.frameCount%int64(pl.cfg.Pipeline.AIFrameStride) == 0
	res, err := pl.fusion.FuseFrame(frame, useAI)
	if err != nil {
		// Input errors are absorbed locally: skip the frame, never abort
		// the scan.
		monitoring.Logf("[pipeline] frame fusion failed, skipping: %v", err)
		pl.session.noteSkipped()
		return
	}

	// Intrinsics at fused resolution for back-projection.
	k := frame.Intrinsics
	if res.Depth.Width != frame.Depth.Width || res.Depth.Height != frame.Depth.Height {
		k = k.Scaled(
			float64(res.Depth.Width)/float64(frame.Depth.Width),
			float64(res.Depth.Height)/float64(frame.Depth.Height),
		)
	}
	points := pl.extractor.ExtractFrame(res, k, frame.Pose, frame.Color)

	// Apply everything for this frame under the session state gate so that
	// nothing lands after StopScanning has returned. Mesh and point updates
	// precede the coverage observation for the same frame.
	applied := pl.session.applyFrame(func() {
		for _, u := range frame.MeshUpdates {
			pl.session.Mesh().Apply(u)
		}
		pl.extractor.Merge(pl.session.Cloud(), points)
		pl.session.Coverage().Observe(points, frame.Pose.Position(), frame.Timestamp)
	})
	if !applied {
		return
	}

	pl.session.AppendPose(frame.Timestamp, frame.Pose)
	pl.processedCount++

	p := pl.cfg.Pipeline
	if p.DepthLogStride > 0 && pl.processedCount%int64(p.DepthLogStride) == 0 {
		pl.session.logDepthFrame(DepthFrameSample{
			Timestamp: frame.Timestamp,
			Pose:      frame.Pose,
			Depth:     res.Depth.Clone(),
		})
	}
	if p.TextureLogStride > 0 && frame.Color != nil && pl.processedCount%int64(p.TextureLogStride) == 0 {
		pl.session.logTextureFrame(TextureFrameSample{
			Timestamp: frame.Timestamp,
			Pose:      frame.Pose,
			Color:     frame.Color,
		})
	}

	stride := pl.cfg.Coverage.GapScanStride
	if stride > 0 && pl.processedCount%int64(stride) == 0 {
		pl.session.Coverage().FindGaps(frame.Pose.Position())
	}

	pl.session.noteProcessed(pl.source.TrackingState())
	pl.notify()
}

// notify publishes a stats snapshot, throttled so listeners are not hit at
// full sensor rate.
func (pl *Pipeline) notify() {
	now := time.Now()
	pl.mu.Lock()
	if now.Sub(pl.lastNotify) < 200*time.Millisecond {
		pl.mu.Unlock()
		return
	}
	pl.lastNotify = now
	listeners := make([]StatsListener, len(pl.listeners))
	copy(listeners, pl.listeners)
	pl.mu.Unlock()

	stats := pl.session.Stats()
	for _, l := range listeners {
		l(stats)
	}
}

// ProcessedFrames returns the number of frames fully applied.
func (pl *Pipeline) ProcessedFrames() int64 { return pl.processedCount }
