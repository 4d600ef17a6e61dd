// Package features provides feature extraction for the prediction pipeline:
// binary STL geometry metrics and calendar-aware time-series features.
package features

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Binary STL layout constants.
const (
	stlHeaderSize   = 80
	stlCountSize    = 4
	stlTriangleSize = 50 // 12B normal + 3×12B vertices + 2B attribute

	// MaxTriangles bounds accepted models. Counts outside [1, MaxTriangles]
	// are rejected before any allocation is sized from the header.
	MaxTriangles = 10_000_000

	layerHeightReference = 0.2 // mm, layer count normalization
	supportNormalZ       = -0.5
	percent              = 100.0
)

// Sentinel errors for STL parsing.
var (
	// ErrInvalidSTL is returned for any structurally invalid binary STL input.
	ErrInvalidSTL = errors.New("invalid binary STL data")

	// ErrTriangleCountOutOfRange is returned when the declared triangle count
	// is zero or exceeds MaxTriangles.
	ErrTriangleCountOutOfRange = errors.New("triangle count out of range")
)

// Vec3 is a point or direction in model space (millimeters).
type Vec3 struct {
	X, Y, Z float64
}

// Triangle is one STL facet: a unit normal and three vertices.
type Triangle struct {
	Normal     Vec3
	V1, V2, V3 Vec3
}

// Geometry holds the metrics derived from a parsed STL model.
type Geometry struct {
	TriangleCount  int
	VolumeCM3      float64 // cubic centimeters
	SurfaceAreaCM2 float64 // square centimeters
	WidthMM        float64
	DepthMM        float64
	HeightMM       float64
	LayerCount     int
	SupportPercent float64 // fraction of down-facing triangles, ×100
	Complexity     float64 // [0, 100]
}

// ParseSTL parses a binary STL file and derives geometry metrics.
//
// Layout: 80-byte header (ignored), uint32 little-endian triangle count, then
// 50 bytes per triangle (3×4B normal, 3×12B vertices, 2B attribute). The
// declared count must match the remaining byte length exactly.
func ParseSTL(data []byte) (*Geometry, error) {
	if len(data) < stlHeaderSize+stlCountSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrInvalidSTL, len(data))
	}

	count := binary.LittleEndian.Uint32(data[stlHeaderSize:])
	if count < 1 || count > MaxTriangles {
		return nil, fmt.Errorf("%w: %d (want 1..%d)", ErrTriangleCountOutOfRange, count, MaxTriangles)
	}

	body := data[stlHeaderSize+stlCountSize:]
	if len(body) != int(count)*stlTriangleSize {
		return nil, fmt.Errorf("%w: declared %d triangles but body is %d bytes",
			ErrInvalidSTL, count, len(body))
	}

	geo := &Geometry{TriangleCount: int(count)}

	var (
		signedVolume float64
		surfaceArea  float64
		supportCount int
		minV         = Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
		maxV         = Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	)

	for i := range int(count) {
		tri := readTriangle(body[i*stlTriangleSize:])

		// Signed tetrahedron volume contribution (divergence theorem).
		signedVolume += dot(tri.V1, cross(tri.V2, tri.V3))

		surfaceArea += triangleArea(tri)

		if tri.Normal.Z < supportNormalZ {
			supportCount++
		}

		for _, v := range []Vec3{tri.V1, tri.V2, tri.V3} {
			minV = Vec3{math.Min(minV.X, v.X), math.Min(minV.Y, v.Y), math.Min(minV.Z, v.Z)}
			maxV = Vec3{math.Max(maxV.X, v.X), math.Max(maxV.Y, v.Y), math.Max(maxV.Z, v.Z)}
		}
	}

	const mm3PerCM3 = 1000.0

	const mm2PerCM2 = 100.0

	geo.VolumeCM3 = math.Abs(signedVolume) / 6.0 / mm3PerCM3
	geo.SurfaceAreaCM2 = surfaceArea / mm2PerCM2
	geo.WidthMM = maxV.X - minV.X
	geo.DepthMM = maxV.Y - minV.Y
	geo.HeightMM = maxV.Z - minV.Z
	geo.LayerCount = int(math.Ceil(geo.HeightMM / layerHeightReference))
	geo.SupportPercent = float64(supportCount) / float64(count) * percent
	geo.Complexity = complexityScore(geo.SurfaceAreaCM2, geo.VolumeCM3, int(count))

	return geo, nil
}

// readTriangle decodes one 50-byte facet record.
func readTriangle(b []byte) Triangle {
	readVec := func(off int) Vec3 {
		return Vec3{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+8:]))),
		}
	}

	return Triangle{
		Normal: readVec(0),
		V1:     readVec(12),
		V2:     readVec(24),
		V3:     readVec(36),
	}
}

// complexityScore maps surface-to-volume ratio and triangle density into a
// [0, 100] score. 60 points weight the surface/volume ratio (normalized by
// volume^(2/3) so the score is scale-invariant), 40 points the triangle
// density per unit volume.
func complexityScore(surface, volume float64, triangles int) float64 {
	if volume <= 0 {
		return 0
	}

	const (
		surfaceWeight   = 60.0
		densityWeight   = 40.0
		surfaceRefRatio = 10.0
		densityRef      = 0.01
		twoThirds       = 2.0 / 3.0
	)

	surfaceRatio := surface / math.Pow(volume, twoThirds) / surfaceRefRatio
	density := float64(triangles) / volume / densityRef

	score := surfaceWeight*math.Min(1, surfaceRatio) + densityWeight*math.Min(1, density)

	return math.Max(0, math.Min(percent, score))
}

func triangleArea(t Triangle) float64 {
	e1 := sub(t.V2, t.V1)
	e2 := sub(t.V3, t.V1)

	return 0.5 * norm(cross(e1, e2))
}

func sub(a, b Vec3) Vec3 { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }

func dot(a, b Vec3) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }

func cross(a, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

func norm(v Vec3) float64 { return math.Sqrt(dot(v, v)) }
