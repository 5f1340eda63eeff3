// Package roi measures pixel statistics inside elliptical and polygonal
// regions of a rendered frame and classifies CT means against Hounsfield
// reference values.
package roi

import (
	"math"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
	"gonum.org/v1/gonum/stat"
)

// Region reports whether a pixel centre lies inside the region. Pixel
// coordinates are (column, row) with the centre of pixel (c, r) at
// (c+0.5, r+0.5).
type Region interface {
	Contains(x, y float64) bool
	// Bounds returns the enclosing pixel rectangle [minX,maxX) x [minY,maxY).
	Bounds() (minX, minY, maxX, maxY int)
}

// Ellipse is an axis-aligned ellipse in pixel coordinates.
type Ellipse struct {
	CenterX, CenterY float64
	RadiusX, RadiusY float64
}

func (e Ellipse) Contains(x, y float64) bool {
	if e.RadiusX <= 0 || e.RadiusY <= 0 {
		return false
	}
	dx := (x - e.CenterX) / e.RadiusX
	dy := (y - e.CenterY) / e.RadiusY
	return dx*dx+dy*dy <= 1
}

func (e Ellipse) Bounds() (int, int, int, int) {
	return int(math.Floor(e.CenterX - e.RadiusX)), int(math.Floor(e.CenterY - e.RadiusY)),
		int(math.Ceil(e.CenterX+e.RadiusX)) + 1, int(math.Ceil(e.CenterY+e.RadiusY)) + 1
}

// Point is a polygon vertex in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is a closed polygon; the last vertex connects back to the
// first. Membership uses the even-odd rule, so self-intersecting
// outlines behave predictably.
type Polygon struct {
	Vertices []Point
}

func (p Polygon) Contains(x, y float64) bool {
	n := len(p.Vertices)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := p.Vertices[i], p.Vertices[j]
		if (vi.Y > y) != (vj.Y > y) {
			xCross := vj.X + (y-vj.Y)/(vi.Y-vj.Y)*(vi.X-vj.X)
			if x < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

func (p Polygon) Bounds() (int, int, int, int) {
	if len(p.Vertices) == 0 {
		return 0, 0, 0, 0
	}
	minX, minY := p.Vertices[0].X, p.Vertices[0].Y
	maxX, maxY := minX, minY
	for _, v := range p.Vertices[1:] {
		minX = math.Min(minX, v.X)
		minY = math.Min(minY, v.Y)
		maxX = math.Max(maxX, v.X)
		maxY = math.Max(maxY, v.Y)
	}
	return int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)) + 1, int(math.Ceil(maxY)) + 1
}

// Stats are the pixel statistics of a region, in the frame's output
// units.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Measure computes statistics over the frame pixels whose centres fall
// inside the region. A region covering no pixel centre is an error, not
// a zero result.
func Measure(frame *imaging.Frame, region Region) (Stats, error) {
	minX, minY, maxX, maxY := region.Bounds()
	minX = clamp(minX, 0, frame.Columns)
	maxX = clamp(maxX, 0, frame.Columns)
	minY = clamp(minY, 0, frame.Rows)
	maxY = clamp(maxY, 0, frame.Rows)

	var values []float64
	for r := minY; r < maxY; r++ {
		for c := minX; c < maxX; c++ {
			if region.Contains(float64(c)+0.5, float64(r)+0.5) {
				values = append(values, frame.At(r, c))
			}
		}
	}
	if len(values) == 0 {
		return Stats{}, dcmerr.ErrEmptyRegion
	}

	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0 // single pixel
	}
	s := Stats{Count: len(values), Mean: mean, StdDev: std, Min: values[0], Max: values[0]}
	for _, v := range values[1:] {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	return s, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
