package scan

import (
	"context"
	"time"

	"github.com/banshee-data/depthscan/internal/geom"
)

// TrackingState reports the capture source's pose-tracking quality.
type TrackingState int

const (
	TrackingUnknown TrackingState = iota
	TrackingNormal
	TrackingLimited
	TrackingLost
)

func (s TrackingState) String() string {
	switch s {
	case TrackingNormal:
		return "normal"
	case TrackingLimited:
		return "limited"
	case TrackingLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ColorImage is an aligned RGBA color frame used for point colouring and as
// input to the depth predictor.
type ColorImage struct {
	Width  int
	Height int
	// Pixels is RGBA, row-major, 4 bytes per pixel.
	Pixels []byte
}

// RGBAt returns the color at pixel (x, y) with edge clamping.
func (c *ColorImage) RGBAt(x, y int) (r, g, b uint8) {
	if c == nil || c.Width == 0 || c.Height == 0 {
		return 0, 0, 0
	}
	if x < 0 {
		x = 0
	} else if x >= c.Width {
		x = c.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= c.Height {
		y = c.Height - 1
	}
	i := (y*c.Width + x) * 4
	return c.Pixels[i], c.Pixels[i+1], c.Pixels[i+2]
}

// SensorFrame is one raw delivery from a capture source: a metric depth field
// with optional per-pixel confidence, the aligned color image, and the camera
// pose and intrinsics at capture time.
type SensorFrame struct {
	Timestamp  time.Time
	Pose       geom.Pose
	Intrinsics geom.Intrinsics // at depth resolution

	Depth      *geom.Field // metric depth, metres
	Confidence *geom.Field // optional, 0-1 per pixel; nil if the sensor supplies none
	Color      *ColorImage // optional

	Tracking TrackingState

	// MeshUpdates carries incremental surface patches reported by the
	// source's scene-reconstruction subsystem alongside this frame.
	MeshUpdates []MeshUpdate
}

// MeshUpdateKind distinguishes patch additions/updates from removals.
type MeshUpdateKind int

const (
	MeshUpsert MeshUpdateKind = iota
	MeshRemove
)

// MeshUpdate is one incremental change to the tracked surface patches.
type MeshUpdate struct {
	Kind           MeshUpdateKind
	PatchID        string
	Vertices       []float32 // xyz triples, world space
	Normals        []float32 // xyz triples, unit length
	Faces          []uint32  // vertex index triples
	Classification SurfaceClass
}

// Valid performs the cheap structural checks applied before a frame enters
// the pipeline. Frames failing these are skipped, not fatal.
func (f *SensorFrame) Valid() bool {
	if f == nil || f.Depth == nil {
		return false
	}
	if f.Depth.Width <= 0 || f.Depth.Height <= 0 || len(f.Depth.Values) != f.Depth.Width*f.Depth.Height {
		return false
	}
	if f.Confidence != nil && (f.Confidence.Width != f.Depth.Width || f.Confidence.Height != f.Depth.Height) {
		return false
	}
	return f.Intrinsics.Valid()
}

// Source abstracts a capture backend: the real depth camera, a synthetic
// generator or a recorded replay. The pipeline depends only on this
// interface, never on which implementation supplies it.
type Source interface {
	// Start begins frame delivery. Delivery stops when the context is
	// cancelled or Stop is called.
	Start(ctx context.Context) error
	// Stop halts delivery and closes the frame channel.
	Stop() error
	// Frames returns the delivery channel. Closed after Stop.
	Frames() <-chan *SensorFrame
	// TrackingState reports the source's current pose-tracking quality.
	TrackingState() TrackingState
}

// DepthPredictor is the opaque AI depth component: color in, relative
// (non-metric) depth out at the predictor's native resolution. Availability
// is resolved once at engine construction.
type DepthPredictor interface {
	// Predict returns a relative depth field for the given color image, or
	// an error if inference fails.
	Predict(img *ColorImage) (*geom.Field, error)
}
