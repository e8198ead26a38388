// Package geom provides the numeric primitives shared by the capture pipeline:
// pinhole back-projection, pose transforms and bilinear raster sampling.
//
// Coordinate convention: right-handed, Y-up. Camera space has +X right, +Y up
// and the camera looking down -Z; world space is camera space transformed by
// the frame's 4x4 pose. All distances are metres.
package geom

import (
	"math"

	"github.com/golang/geo/r3"
)

// Intrinsics holds the pinhole camera parameters in pixels.
type Intrinsics struct {
	Fx float64
	Fy float64
	Cx float64
	Cy float64
}

// IntrinsicsFromMatrix extracts pinhole parameters from a row-major 3x3
// intrinsics matrix as delivered by the capture source.
func IntrinsicsFromMatrix(m [9]float64) Intrinsics {
	return Intrinsics{Fx: m[0], Fy: m[4], Cx: m[2], Cy: m[5]}
}

// Scaled returns intrinsics adjusted for a resolution change by the given
// per-axis factors (e.g. upscaling depth from sensor to AI resolution).
func (k Intrinsics) Scaled(sx, sy float64) Intrinsics {
	return Intrinsics{
		Fx: k.Fx * sx,
		Fy: k.Fy * sy,
		Cx: k.Cx * sx,
		Cy: k.Cy * sy,
	}
}

// Valid reports whether the intrinsics describe a usable pinhole model.
func (k Intrinsics) Valid() bool {
	return k.Fx > 0 && k.Fy > 0
}

// Pose is a row-major 4x4 rigid transform: m00,m01,m02,m03, m10,...
type Pose [16]float64

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	return Pose{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// TranslationPose returns a pure translation transform.
func TranslationPose(x, y, z float64) Pose {
	p := IdentityPose()
	p[3], p[7], p[11] = x, y, z
	return p
}

// Apply transforms a point by the pose.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p[0]*v.X + p[1]*v.Y + p[2]*v.Z + p[3],
		Y: p[4]*v.X + p[5]*v.Y + p[6]*v.Z + p[7],
		Z: p[8]*v.X + p[9]*v.Y + p[10]*v.Z + p[11],
	}
}

// Position returns the translation component of the pose, i.e. the camera
// origin in world space.
func (p Pose) Position() r3.Vector {
	return r3.Vector{X: p[3], Y: p[7], Z: p[11]}
}

// BackProject converts a pixel coordinate plus metric depth into a
// camera-space point using the pinhole model. The caller is responsible for
// rejecting NaN or non-positive depth values.
func BackProject(u, v, depth float64, k Intrinsics) r3.Vector {
	return r3.Vector{
		X: (u - k.Cx) * depth / k.Fx,
		Y: (v - k.Cy) * depth / k.Fy,
		Z: depth,
	}
}

// ToWorld transforms a camera-space point into world space.
func ToWorld(p r3.Vector, cameraPose Pose) r3.Vector {
	return cameraPose.Apply(p)
}

// Field is a dense width x height float32 raster stored row-major. It is used
// for depth values, confidence values and edge magnitudes.
type Field struct {
	Width  int
	Height int
	Values []float32
}

// NewField allocates a zeroed raster.
func NewField(width, height int) *Field {
	return &Field{Width: width, Height: height, Values: make([]float32, width*height)}
}

// At returns the value at integer pixel (x, y). Out-of-bounds coordinates are
// clamped to the nearest edge pixel.
func (f *Field) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= f.Width {
		x = f.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= f.Height {
		y = f.Height - 1
	}
	return f.Values[y*f.Width+x]
}

// Set writes the value at pixel (x, y). Writes outside the raster are ignored.
func (f *Field) Set(x, y int, v float32) {
	if x < 0 || x >= f.Width || y < 0 || y >= f.Height {
		return
	}
	f.Values[y*f.Width+x] = v
}

// Bilinear samples the raster at a fractional pixel coordinate with
// edge clamping.
func (f *Field) Bilinear(u, v float64) float32 {
	if f.Width == 0 || f.Height == 0 {
		return 0
	}
	if u < 0 {
		u = 0
	} else if u > float64(f.Width-1) {
		u = float64(f.Width - 1)
	}
	if v < 0 {
		v = 0
	} else if v > float64(f.Height-1) {
		v = float64(f.Height - 1)
	}

	x0 := int(math.Floor(u))
	y0 := int(math.Floor(v))
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= f.Width {
		x1 = f.Width - 1
	}
	if y1 >= f.Height {
		y1 = f.Height - 1
	}
	fx := float32(u - float64(x0))
	fy := float32(v - float64(y0))

	top := f.Values[y0*f.Width+x0]*(1-fx) + f.Values[y0*f.Width+x1]*fx
	bot := f.Values[y1*f.Width+x0]*(1-fx) + f.Values[y1*f.Width+x1]*fx
	return top*(1-fy) + bot*fy
}

// Nearest samples the raster at a fractional pixel coordinate by rounding to
// the nearest pixel, with edge clamping. Used for categorical rasters such as
// confidence levels where interpolation is not meaningful.
func (f *Field) Nearest(u, v float64) float32 {
	return f.At(int(math.Round(u)), int(math.Round(v)))
}

// Clone returns a deep copy of the raster.
func (f *Field) Clone() *Field {
	out := &Field{Width: f.Width, Height: f.Height, Values: make([]float32, len(f.Values))}
	copy(out.Values, f.Values)
	return out
}

// Fill sets every pixel to v.
func (f *Field) Fill(v float32) {
	for i := range f.Values {
		f.Values[i] = v
	}
}

// BilinearResize resamples the raster to a new resolution.
func (f *Field) BilinearResize(width, height int) *Field {
	out := NewField(width, height)
	if width == f.Width && height == f.Height {
		copy(out.Values, f.Values)
		return out
	}
	sx := float64(f.Width-1) / float64(max(width-1, 1))
	sy := float64(f.Height-1) / float64(max(height-1, 1))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Values[y*width+x] = f.Bilinear(float64(x)*sx, float64(y)*sy)
		}
	}
	return out
}
