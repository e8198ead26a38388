package scan

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/depthscan/internal/geom"
)

// Point is one world-space sample of the merged cloud.
type Point struct {
	Position   r3.Vector
	Normal     r3.Vector
	HasNormal  bool
	Color      [3]uint8
	HasColor   bool
	Confidence float32
}

// PointCloud is the session-wide merged point set. Mutated only by the
// processing pipeline; readers take snapshots.
type PointCloud struct {
	mu     sync.RWMutex
	points []Point
}

// NewPointCloud creates an empty cloud.
func NewPointCloud() *PointCloud {
	return &PointCloud{}
}

// Len returns the current point count.
func (pc *PointCloud) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.points)
}

// Snapshot returns a copy of the current points.
func (pc *PointCloud) Snapshot() []Point {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make([]Point, len(pc.points))
	copy(out, pc.points)
	return out
}

// Replace swaps the cloud contents.
func (pc *PointCloud) Replace(points []Point) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.points = points
}

// Reset drops all points.
func (pc *PointCloud) Reset() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.points = nil
}

// Extractor converts fused depth fields (or mesh patches, for the final
// full-quality pass) into world-space point sets.
type Extractor struct {
	params ExtractorParams
}

// NewExtractor builds an extractor with the given parameters.
func NewExtractor(params ExtractorParams) *Extractor {
	return &Extractor{params: params}
}

// ExtractFrame projects one fused depth field into world space. Pixels with
// invalid depth or confidence below the threshold are skipped; colors are
// sampled from the aligned color image when present. intrinsics must already
// be scaled to the fused field's resolution.
func (ex *Extractor) ExtractFrame(res *FusionResult, intrinsics geom.Intrinsics, pose geom.Pose, color *ColorImage) []Point {
	if res == nil || res.Depth == nil {
		return nil
	}
	depth := res.Depth
	stride := ex.params.PixelStride
	if stride < 1 {
		stride = 1
	}

	var cx, cy float64
	if color != nil {
		cx = float64(color.Width-1) / float64(max(depth.Width-1, 1))
		cy = float64(color.Height-1) / float64(max(depth.Height-1, 1))
	}

	out := make([]Point, 0, depth.Width*depth.Height/(stride*stride))
	for y := 0; y < depth.Height; y += stride {
		for x := 0; x < depth.Width; x += stride {
			i := y*depth.Width + x
			d := depth.Values[i]
			if d <= 0 || math.IsNaN(float64(d)) {
				continue
			}
			conf := res.Confidence.Values[i]
			if conf < ex.params.MinConfidence {
				continue
			}
			cam := geom.BackProject(float64(x), float64(y), float64(d), intrinsics)
			p := Point{
				Position:   geom.ToWorld(cam, pose),
				Confidence: conf,
			}
			if ex.params.SampleColors && color != nil {
				r, g, b := color.RGBAt(int(float64(x)*cx), int(float64(y)*cy))
				p.Color = [3]uint8{r, g, b}
				p.HasColor = true
			}
			if ex.params.NormalsEnabled {
				if n, ok := surfaceNormal(depth, x, y, intrinsics, pose); ok {
					p.Normal = n
					p.HasNormal = true
				}
			}
			out = append(out, p)
		}
	}
	return out
}

// surfaceNormal estimates the world-space normal at pixel (x, y) from the
// depth gradient toward the +x and +y neighbours, oriented to face the
// camera. Returns false when either neighbour has no valid depth or the
// gradient is degenerate.
func surfaceNormal(depth *geom.Field, x, y int, k geom.Intrinsics, pose geom.Pose) (r3.Vector, bool) {
	d := depth.At(x, y)
	dx := depth.At(x+1, y)
	dy := depth.At(x, y+1)
	if dx <= 0 || dy <= 0 {
		return r3.Vector{}, false
	}
	p0 := geom.ToWorld(geom.BackProject(float64(x), float64(y), float64(d), k), pose)
	px := geom.ToWorld(geom.BackProject(float64(x+1), float64(y), float64(dx), k), pose)
	py := geom.ToWorld(geom.BackProject(float64(x), float64(y+1), float64(dy), k), pose)
	n := px.Sub(p0).Cross(py.Sub(p0))
	if n.Norm() == 0 {
		return r3.Vector{}, false
	}
	n = n.Normalize()
	if n.Dot(pose.Position().Sub(p0)) < 0 {
		n = n.Mul(-1)
	}
	return n, true
}

// ExtractMesh converts mesh patch vertices into a point set. Used for the
// final full-quality extraction at completion.
func (ex *Extractor) ExtractMesh(patches []*MeshPatch) []Point {
	var out []Point
	for _, p := range patches {
		for i := 0; i+2 < len(p.Vertices); i += 3 {
			out = append(out, Point{
				Position: r3.Vector{
					X: float64(p.Vertices[i]),
					Y: float64(p.Vertices[i+1]),
					Z: float64(p.Vertices[i+2]),
				},
				Confidence: 1,
			})
		}
	}
	return VoxelDownsample(out, ex.params.VoxelSizeM)
}

// Merge concatenates new points into the cloud and re-runs voxel
// downsampling over the union, bounding the cloud independently of input
// density. Downsampling is idempotent, so repeated merges of the same data
// do not grow the cloud.
func (ex *Extractor) Merge(cloud *PointCloud, points []Point) {
	if len(points) == 0 {
		return
	}
	cloud.mu.Lock()
	defer cloud.mu.Unlock()
	merged := VoxelDownsample(append(cloud.points, points...), ex.params.VoxelSizeM)
	if maxN := ex.params.MaxPoints; maxN > 0 && len(merged) > maxN {
		// Uniform stride keeps spatial distribution when capping.
		step := float64(len(merged)) / float64(maxN)
		capped := make([]Point, 0, maxN)
		for i := 0; i < maxN; i++ {
			capped = append(capped, merged[int(float64(i)*step)])
		}
		merged = capped
	}
	cloud.points = merged
}

type voxelKey struct {
	x, y, z int32
}

type voxelAccum struct {
	sum     r3.Vector
	normal  r3.Vector
	normals int
	conf    float64
	r       int
	g       int
	b       int
	color   int
	n       int
	order   int
}

// VoxelDownsample replaces all points falling in the same voxel with their
// centroid. Output order follows first appearance per voxel, which makes the
// operation deterministic and idempotent: a single point in a voxel is its
// own centroid.
func VoxelDownsample(points []Point, cellSize float64) []Point {
	if cellSize <= 0 || len(points) == 0 {
		return points
	}
	cells := make(map[voxelKey]*voxelAccum, len(points))
	order := make([]voxelKey, 0, len(points))
	for _, p := range points {
		k := voxelKey{
			x: int32(math.Floor(p.Position.X / cellSize)),
			y: int32(math.Floor(p.Position.Y / cellSize)),
			z: int32(math.Floor(p.Position.Z / cellSize)),
		}
		acc, ok := cells[k]
		if !ok {
			acc = &voxelAccum{order: len(order)}
			cells[k] = acc
			order = append(order, k)
		}
		acc.sum = acc.sum.Add(p.Position)
		acc.conf += float64(p.Confidence)
		if p.HasNormal {
			acc.normal = acc.normal.Add(p.Normal)
			acc.normals++
		}
		if p.HasColor {
			acc.r += int(p.Color[0])
			acc.g += int(p.Color[1])
			acc.b += int(p.Color[2])
			acc.color++
		}
		acc.n++
	}

	out := make([]Point, len(order))
	for _, k := range order {
		acc := cells[k]
		n := float64(acc.n)
		p := Point{
			Position:   acc.sum.Mul(1 / n),
			Confidence: float32(acc.conf / n),
		}
		if acc.normals > 0 && acc.normal.Norm() > 0 {
			p.Normal = acc.normal.Normalize()
			p.HasNormal = true
		}
		if acc.color > 0 {
			p.Color = [3]uint8{
				uint8(acc.r / acc.color),
				uint8(acc.g / acc.color),
				uint8(acc.b / acc.color),
			}
			p.HasColor = true
		}
		out[acc.order] = p
	}
	return out
}
