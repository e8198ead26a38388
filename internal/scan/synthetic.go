package scan

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/depthscan/internal/geom"
)

// SyntheticSource generates depth frames of a simple room for demos and
// tests: the camera orbits the room centre looking outward at the walls.
// Frame content is deterministic for a given seed.
type SyntheticSource struct {
	// Configuration
	FrameRate   float64 // frames per second
	DepthWidth  int
	DepthHeight int
	ColorScale  int     // color resolution multiplier over depth
	RoomRadiusM float64 // distance from the orbit centre to the walls
	OrbitPeriod time.Duration
	NoiseM      float64 // depth noise amplitude, metres
	DropoutRate float64 // fraction of depth pixels with no return
	MaxFrames   int64   // stop after this many frames; 0 = unbounded

	frameCh  chan *SensorFrame
	frameID  atomic.Int64
	rng      *rand.Rand
	tracking atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewSyntheticSource creates a generator with demo defaults.
func NewSyntheticSource(seed int64) *SyntheticSource {
	return &SyntheticSource{
		FrameRate:   30,
		DepthWidth:  64,
		DepthHeight: 48,
		ColorScale:  4,
		RoomRadiusM: 2.5,
		OrbitPeriod: 20 * time.Second,
		NoiseM:      0.01,
		DropoutRate: 0.05,
		frameCh:     make(chan *SensorFrame, 8),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Start begins frame generation at the configured rate.
func (s *SyntheticSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("synthetic source already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.tracking.Store(int32(TrackingNormal))

	go s.run(runCtx)
	return nil
}

func (s *SyntheticSource) run(ctx context.Context) {
	defer close(s.doneCh)
	defer close(s.frameCh)

	interval := time.Duration(float64(time.Second) / s.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.frameID.Add(1)
			if s.MaxFrames > 0 && n > s.MaxFrames {
				return
			}
			frame := s.generate(n)
			select {
			case s.frameCh <- frame:
			case <-ctx.Done():
				return
			default:
				// Drop when the consumer is behind; delivery is lossy by
				// contract, same as a real sensor.
			}
		}
	}
}

// Stop halts generation and closes the frame channel.
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.doneCh
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Frames returns the delivery channel.
func (s *SyntheticSource) Frames() <-chan *SensorFrame { return s.frameCh }

// TrackingState reports the simulated tracking quality.
func (s *SyntheticSource) TrackingState() TrackingState {
	return TrackingState(s.tracking.Load())
}

// WorldMap exports a deterministic stand-in tracking map blob.
func (s *SyntheticSource) WorldMap() ([]byte, error) {
	return []byte(fmt.Sprintf("synthetic-world-map:%d", s.frameID.Load())), nil
}

// Relocalize accepts any prior world map; the synthetic tracker never loses
// its pose.
func (s *SyntheticSource) Relocalize(worldMap []byte) error { return nil }

// generate produces frame n: the camera sits at the orbit centre, yawed by
// the orbit phase, seeing a wall at roughly RoomRadiusM.
func (s *SyntheticSource) generate(n int64) *SensorFrame {
	phase := 2 * math.Pi * float64(n) / (s.OrbitPeriod.Seconds() * s.FrameRate)
	sin, cos := math.Sin(phase), math.Cos(phase)

	// Yaw rotation about +Y.
	pose := geom.Pose{
		cos, 0, sin, 0,
		0, 1, 0, 0,
		-sin, 0, cos, 0,
		0, 0, 0, 1,
	}

	depth := geom.NewField(s.DepthWidth, s.DepthHeight)
	conf := geom.NewField(s.DepthWidth, s.DepthHeight)
	for y := 0; y < s.DepthHeight; y++ {
		for x := 0; x < s.DepthWidth; x++ {
			if s.rng.Float64() < s.DropoutRate {
				continue // no return for this pixel
			}
			d := s.RoomRadiusM + s.NoiseM*(2*s.rng.Float64()-1)
			depth.Set(x, y, float32(d))
			conf.Set(x, y, float32(0.7+0.3*s.rng.Float64()))
		}
	}

	cw := s.DepthWidth * s.ColorScale
	ch := s.DepthHeight * s.ColorScale
	color := &ColorImage{Width: cw, Height: ch, Pixels: make([]byte, cw*ch*4)}
	for i := 0; i < len(color.Pixels); i += 4 {
		g := byte(100 + (i/4)%100)
		color.Pixels[i] = g
		color.Pixels[i+1] = g
		color.Pixels[i+2] = g
		color.Pixels[i+3] = 255
	}

	frame := &SensorFrame{
		Timestamp: time.Now(),
		Pose:      pose,
		Intrinsics: geom.Intrinsics{
			Fx: float64(s.DepthWidth),
			Fy: float64(s.DepthWidth),
			Cx: float64(s.DepthWidth) / 2,
			Cy: float64(s.DepthHeight) / 2,
		},
		Depth:      depth,
		Confidence: conf,
		Color:      color,
		Tracking:   TrackingNormal,
	}

	// Every second or so the reconstruction subsystem reports a wall patch
	// for the current heading.
	if n%int64(s.FrameRate) == 1 {
		frame.MeshUpdates = []MeshUpdate{s.wallPatch(phase)}
	}
	return frame
}

func (s *SyntheticSource) wallPatch(phase float64) MeshUpdate {
	r := float32(s.RoomRadiusM)
	cx := r * float32(math.Sin(phase))
	cz := -r * float32(math.Cos(phase))
	id := fmt.Sprintf("wall-%d", int(phase*4/math.Pi)%8)
	return MeshUpdate{
		Kind:    MeshUpsert,
		PatchID: id,
		Vertices: []float32{
			cx, -1, cz,
			cx, 1, cz,
			cx + 0.5, 1, cz,
			cx + 0.5, -1, cz,
		},
		Normals: []float32{
			-cx / r, 0, -cz / r,
			-cx / r, 0, -cz / r,
			-cx / r, 0, -cz / r,
			-cx / r, 0, -cz / r,
		},
		Faces:          []uint32{0, 1, 2, 0, 2, 3},
		Classification: SurfaceWall,
	}
}
