package scan

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/depthscan/internal/geom"
)

func TestVoxelDownsampleCentroid(t *testing.T) {
	pts := []Point{
		{Position: r3.Vector{X: 0.001, Y: 0.001, Z: 0.001}, Confidence: 0.6},
		{Position: r3.Vector{X: 0.009, Y: 0.009, Z: 0.009}, Confidence: 0.8},
		{Position: r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, Confidence: 1.0},
	}

	out := VoxelDownsample(pts, 0.01)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	// First voxel in appearance order collapses to the centroid.
	want := r3.Vector{X: 0.005, Y: 0.005, Z: 0.005}
	if out[0].Position.Sub(want).Norm() > 1e-9 {
		t.Errorf("centroid = %v, want %v", out[0].Position, want)
	}
	if math.Abs(float64(out[0].Confidence)-0.7) > 1e-6 {
		t.Errorf("confidence = %v, want mean 0.7", out[0].Confidence)
	}
	if out[1].Position != pts[2].Position {
		t.Errorf("singleton voxel moved: %v", out[1].Position)
	}
}

func TestVoxelDownsampleIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pts := make([]Point, 2000)
	for i := range pts {
		pts[i] = Point{
			Position: r3.Vector{
				X: rng.Float64()*2 - 1,
				Y: rng.Float64()*2 - 1,
				Z: rng.Float64()*2 - 1,
			},
			Confidence: rng.Float32(),
		}
	}

	once := VoxelDownsample(pts, 0.05)
	twice := VoxelDownsample(once, 0.05)
	if len(once) != len(twice) {
		t.Fatalf("second pass changed count: %d -> %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("point %d changed on second pass: %+v -> %+v", i, once[i], twice[i])
		}
	}
}

func TestVoxelDownsampleColorAveraging(t *testing.T) {
	pts := []Point{
		{Position: r3.Vector{}, Color: [3]uint8{100, 0, 0}, HasColor: true, Confidence: 1},
		{Position: r3.Vector{X: 0.001}, Color: [3]uint8{200, 0, 0}, HasColor: true, Confidence: 1},
		{Position: r3.Vector{Y: 0.001}, Confidence: 1}, // colorless point in the same voxel
	}
	out := VoxelDownsample(pts, 0.01)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if !out[0].HasColor || out[0].Color[0] != 150 {
		t.Errorf("color = %v (has=%v), want averaged red 150", out[0].Color, out[0].HasColor)
	}
}

func TestVoxelDownsampleAveragesNormals(t *testing.T) {
	pts := []Point{
		{Position: r3.Vector{}, Normal: r3.Vector{Z: 1}, HasNormal: true, Confidence: 1},
		{Position: r3.Vector{X: 0.001}, Normal: r3.Vector{X: 1}, HasNormal: true, Confidence: 1},
	}
	out := VoxelDownsample(pts, 1.0)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if !out[0].HasNormal {
		t.Fatal("merged voxel lost its normal")
	}
	want := r3.Vector{X: 1 / math.Sqrt2, Z: 1 / math.Sqrt2}
	if out[0].Normal.Sub(want).Norm() > 1e-9 {
		t.Errorf("normal = %v, want %v", out[0].Normal, want)
	}
}

func TestVoxelDownsampleEdgeCases(t *testing.T) {
	if got := VoxelDownsample(nil, 0.01); len(got) != 0 {
		t.Error("nil input should stay empty")
	}
	pts := []Point{{Position: r3.Vector{X: 1}}}
	if got := VoxelDownsample(pts, 0); len(got) != 1 {
		t.Error("zero cell size should pass through")
	}
}

func TestExtractFrameFiltersByConfidence(t *testing.T) {
	params := DefaultExtractorParams()
	params.PixelStride = 1
	params.SampleColors = false
	ex := NewExtractor(params)

	depth := uniformField(4, 4, 2.0)
	conf := uniformField(4, 4, 0.9)
	// One low-confidence pixel and one invalid pixel.
	conf.Set(1, 1, 0.2)
	depth.Set(2, 2, 0)

	res := &FusionResult{Depth: depth, Confidence: conf}
	k := geom.Intrinsics{Fx: 4, Fy: 4, Cx: 2, Cy: 2}
	pts := ex.ExtractFrame(res, k, geom.IdentityPose(), nil)

	if len(pts) != 14 {
		t.Fatalf("len = %d, want 14 (16 - 1 low conf - 1 invalid)", len(pts))
	}
	for _, p := range pts {
		if p.Confidence < params.MinConfidence {
			t.Errorf("point below confidence threshold leaked: %+v", p)
		}
		if p.Position.Z != 2.0 {
			t.Errorf("depth 2.0 at identity pose should give Z=2, got %v", p.Position.Z)
		}
	}
}

func TestExtractFrameAppliesPose(t *testing.T) {
	params := DefaultExtractorParams()
	params.PixelStride = 1
	params.SampleColors = false
	ex := NewExtractor(params)

	depth := uniformField(2, 2, 1.0)
	conf := uniformField(2, 2, 1.0)
	res := &FusionResult{Depth: depth, Confidence: conf}
	k := geom.Intrinsics{Fx: 2, Fy: 2, Cx: 1, Cy: 1}

	pose := geom.TranslationPose(10, 0, 0)
	pts := ex.ExtractFrame(res, k, pose, nil)
	if len(pts) == 0 {
		t.Fatal("no points extracted")
	}
	for _, p := range pts {
		if p.Position.X < 9 || p.Position.X > 11 {
			t.Errorf("pose translation not applied: %v", p.Position)
		}
	}
}

func TestExtractFrameSamplesColor(t *testing.T) {
	params := DefaultExtractorParams()
	params.PixelStride = 1
	ex := NewExtractor(params)

	depth := uniformField(2, 2, 1.0)
	conf := uniformField(2, 2, 1.0)
	color := &ColorImage{Width: 2, Height: 2, Pixels: make([]byte, 16)}
	for i := 0; i < 16; i += 4 {
		color.Pixels[i] = 42
		color.Pixels[i+3] = 255
	}

	res := &FusionResult{Depth: depth, Confidence: conf}
	k := geom.Intrinsics{Fx: 2, Fy: 2, Cx: 1, Cy: 1}
	pts := ex.ExtractFrame(res, k, geom.IdentityPose(), color)
	for _, p := range pts {
		if !p.HasColor || p.Color[0] != 42 {
			t.Errorf("color not sampled: %+v", p)
		}
	}
}

func TestExtractFrameEstimatesNormals(t *testing.T) {
	params := DefaultExtractorParams()
	params.PixelStride = 1
	params.SampleColors = false
	params.NormalsEnabled = true
	ex := NewExtractor(params)

	// A constant-depth plane faces the camera head on, so every estimated
	// normal points back along -Z.
	depth := uniformField(4, 4, 2.0)
	conf := uniformField(4, 4, 1.0)
	res := &FusionResult{Depth: depth, Confidence: conf}
	k := geom.Intrinsics{Fx: 4, Fy: 4, Cx: 2, Cy: 2}
	pts := ex.ExtractFrame(res, k, geom.IdentityPose(), nil)

	if len(pts) == 0 {
		t.Fatal("no points extracted")
	}
	want := r3.Vector{Z: -1}
	for _, p := range pts {
		if !p.HasNormal {
			t.Fatalf("point without normal: %+v", p)
		}
		if p.Normal.Sub(want).Norm() > 1e-6 {
			t.Errorf("normal = %v, want %v", p.Normal, want)
		}
	}
}

func TestMergeIdempotentAndCapped(t *testing.T) {
	params := DefaultExtractorParams()
	params.VoxelSizeM = 0.05
	params.MaxPoints = 100
	ex := NewExtractor(params)

	rng := rand.New(rand.NewSource(3))
	pts := make([]Point, 500)
	for i := range pts {
		pts[i] = Point{Position: r3.Vector{
			X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64(),
		}, Confidence: 1}
	}

	cloud := NewPointCloud()
	ex.Merge(cloud, pts)
	n1 := cloud.Len()
	if n1 == 0 || n1 > params.MaxPoints {
		t.Fatalf("cloud len = %d, want 0 < n <= %d", n1, params.MaxPoints)
	}

	// Merging the identical data again must not grow the cloud.
	ex.Merge(cloud, pts)
	if n2 := cloud.Len(); n2 > n1 {
		t.Errorf("repeat merge grew the cloud: %d -> %d", n1, n2)
	}
}

func TestExtractMesh(t *testing.T) {
	ex := NewExtractor(DefaultExtractorParams())
	patches := []*MeshPatch{
		{ID: "a", Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}},
		{ID: "b", Vertices: []float32{5, 5, 5}},
	}
	pts := ex.ExtractMesh(patches)
	if len(pts) != 4 {
		t.Fatalf("len = %d, want 4", len(pts))
	}
	for _, p := range pts {
		if p.Confidence != 1 {
			t.Errorf("mesh-derived point confidence = %v, want 1", p.Confidence)
		}
	}
}
