package volume

import (
	"fmt"
	"math"
	"time"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
	"github.com/halcyonimaging/pacscore/metrics"
)

// Plane orientations.
const (
	PlaneAxial    = "axial"
	PlaneCoronal  = "coronal"
	PlaneSagittal = "sagittal"
	PlaneOblique  = "oblique"
)

// Projection kinds.
const (
	ProjectionMIP   = "mip"
	ProjectionMinIP = "minip"
)

// PlaneRequest selects a plane through the volume. For the orthogonal
// orientations Index picks the slice along the fixed axis. Oblique
// planes are defined in voxel coordinates by an origin and two unit
// direction vectors plus the output size in pixels; StepMM is the sample
// step, defaulting to the smallest voxel spacing.
type PlaneRequest struct {
	Orientation string     `json:"orientation"`
	Index       int        `json:"index"`
	Origin      [3]float64 `json:"origin,omitempty"`
	XDir        [3]float64 `json:"x_dir,omitempty"`
	YDir        [3]float64 `json:"y_dir,omitempty"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	StepMM      float64    `json:"step_mm,omitempty"`
}

// ResamplePlane extracts a plane from the volume. Axial planes are voxel
// rows copied directly; everything else is sampled with trilinear
// interpolation.
func ResamplePlane(vol *Volume, req PlaneRequest) (*imaging.Frame, error) {
	start := time.Now()
	var frame *imaging.Frame
	var err error

	switch req.Orientation {
	case PlaneAxial:
		frame, err = axialPlane(vol, req.Index)
	case PlaneCoronal:
		frame, err = coronalPlane(vol, req.Index)
	case PlaneSagittal:
		frame, err = sagittalPlane(vol, req.Index)
	case PlaneOblique:
		frame, err = obliquePlane(vol, req)
	default:
		return nil, fmt.Errorf("%w: unknown orientation %q", dcmerr.ErrInvalidPlane, req.Orientation)
	}
	if err != nil {
		return nil, err
	}

	metrics.BuildDuration.WithLabelValues("plane").Observe(time.Since(start).Seconds())
	return frame, nil
}

func axialPlane(vol *Volume, z int) (*imaging.Frame, error) {
	if z < 0 || z >= vol.Slices {
		return nil, fmt.Errorf("%w: axial index %d out of range [0,%d)", dcmerr.ErrInvalidPlane, z, vol.Slices)
	}
	sliceLen := vol.Rows * vol.Columns
	pixels := make([]float64, sliceLen)
	copy(pixels, vol.Data[z*sliceLen:(z+1)*sliceLen])
	return &imaging.Frame{Rows: vol.Rows, Columns: vol.Columns, Pixels: pixels}, nil
}

// coronalPlane fixes Y. Output is Columns wide, Slices tall, resampled
// along Z so the aspect honours the slice spacing.
func coronalPlane(vol *Volume, y int) (*imaging.Frame, error) {
	if y < 0 || y >= vol.Rows {
		return nil, fmt.Errorf("%w: coronal index %d out of range [0,%d)", dcmerr.ErrInvalidPlane, y, vol.Rows)
	}
	outRows := scaledExtent(vol.Slices, vol.Spacing[2], vol.Spacing[1])
	pixels := make([]float64, outRows*vol.Columns)
	for r := 0; r < outRows; r++ {
		z := float64(r) * float64(vol.Slices-1) / math.Max(float64(outRows-1), 1)
		for x := 0; x < vol.Columns; x++ {
			pixels[r*vol.Columns+x] = sampleTrilinear(vol, float64(x), float64(y), z)
		}
	}
	return &imaging.Frame{Rows: outRows, Columns: vol.Columns, Pixels: pixels}, nil
}

// sagittalPlane fixes X. Output is Rows wide, Slices tall.
func sagittalPlane(vol *Volume, x int) (*imaging.Frame, error) {
	if x < 0 || x >= vol.Columns {
		return nil, fmt.Errorf("%w: sagittal index %d out of range [0,%d)", dcmerr.ErrInvalidPlane, x, vol.Columns)
	}
	outRows := scaledExtent(vol.Slices, vol.Spacing[2], vol.Spacing[0])
	pixels := make([]float64, outRows*vol.Rows)
	for r := 0; r < outRows; r++ {
		z := float64(r) * float64(vol.Slices-1) / math.Max(float64(outRows-1), 1)
		for y := 0; y < vol.Rows; y++ {
			pixels[r*vol.Rows+y] = sampleTrilinear(vol, float64(x), float64(y), z)
		}
	}
	return &imaging.Frame{Rows: outRows, Columns: vol.Rows, Pixels: pixels}, nil
}

func obliquePlane(vol *Volume, req PlaneRequest) (*imaging.Frame, error) {
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("%w: oblique plane needs positive width and height", dcmerr.ErrInvalidPlane)
	}
	xd, okX := normalize(req.XDir)
	yd, okY := normalize(req.YDir)
	if !okX || !okY {
		return nil, fmt.Errorf("%w: oblique plane needs non-zero direction vectors", dcmerr.ErrInvalidPlane)
	}

	step := req.StepMM
	if step <= 0 {
		step = math.Min(vol.Spacing[0], math.Min(vol.Spacing[1], vol.Spacing[2]))
	}
	// Directions are in voxel space; convert the millimetre step to voxel
	// steps per axis.
	pixels := make([]float64, req.Width*req.Height)
	for r := 0; r < req.Height; r++ {
		for c := 0; c < req.Width; c++ {
			x := req.Origin[0] + float64(c)*xd[0]*step/vol.Spacing[0] + float64(r)*yd[0]*step/vol.Spacing[0]
			y := req.Origin[1] + float64(c)*xd[1]*step/vol.Spacing[1] + float64(r)*yd[1]*step/vol.Spacing[1]
			z := req.Origin[2] + float64(c)*xd[2]*step/vol.Spacing[2] + float64(r)*yd[2]*step/vol.Spacing[2]
			pixels[r*req.Width+c] = sampleTrilinear(vol, x, y, z)
		}
	}
	return &imaging.Frame{Rows: req.Height, Columns: req.Width, Pixels: pixels}, nil
}

// Project collapses the volume along Z with a maximum or minimum
// intensity projection.
func Project(vol *Volume, kind string) (*imaging.Frame, error) {
	start := time.Now()
	var better func(a, b float64) bool
	var init float64
	switch kind {
	case ProjectionMIP:
		better = func(a, b float64) bool { return a > b }
		init = math.Inf(-1)
	case ProjectionMinIP:
		better = func(a, b float64) bool { return a < b }
		init = math.Inf(1)
	default:
		return nil, fmt.Errorf("%w: unknown projection %q", dcmerr.ErrInvalidPlane, kind)
	}
	if vol.Slices == 0 {
		return nil, dcmerr.ErrSeriesNotFound
	}

	sliceLen := vol.Rows * vol.Columns
	pixels := make([]float64, sliceLen)
	for i := range pixels {
		pixels[i] = init
	}
	for z := 0; z < vol.Slices; z++ {
		base := z * sliceLen
		for i := 0; i < sliceLen; i++ {
			if v := vol.Data[base+i]; better(v, pixels[i]) {
				pixels[i] = v
			}
		}
	}

	metrics.BuildDuration.WithLabelValues("projection").Observe(time.Since(start).Seconds())
	return &imaging.Frame{Rows: vol.Rows, Columns: vol.Columns, Pixels: pixels}, nil
}

// sampleTrilinear samples the volume at fractional voxel coordinates,
// clamping to the boundary.
func sampleTrilinear(vol *Volume, x, y, z float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	c000 := vol.At(x0, y0, z0)
	c100 := vol.At(x0+1, y0, z0)
	c010 := vol.At(x0, y0+1, z0)
	c110 := vol.At(x0+1, y0+1, z0)
	c001 := vol.At(x0, y0, z0+1)
	c101 := vol.At(x0+1, y0, z0+1)
	c011 := vol.At(x0, y0+1, z0+1)
	c111 := vol.At(x0+1, y0+1, z0+1)

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

func normalize(v [3]float64) ([3]float64, bool) {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return [3]float64{}, false
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, true
}

// scaledExtent converts an axis extent to output pixels so that the
// physical aspect ratio survives resampling.
func scaledExtent(n int, axisSpacing, pixelSpacing float64) int {
	if pixelSpacing <= 0 || axisSpacing <= 0 {
		return n
	}
	out := int(math.Round(float64(n) * axisSpacing / pixelSpacing))
	if out < 1 {
		return 1
	}
	return out
}
