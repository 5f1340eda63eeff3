package roi

import (
	"errors"
	"math"
	"testing"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
)

func uniformFrame(rows, cols int, value float64) *imaging.Frame {
	pixels := make([]float64, rows*cols)
	for i := range pixels {
		pixels[i] = value
	}
	return &imaging.Frame{Rows: rows, Columns: cols, Pixels: pixels}
}

// discFrame paints a disc of the given value on a background.
func discFrame(rows, cols int, cx, cy, radius, inside, outside float64) *imaging.Frame {
	pixels := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dx := float64(c) + 0.5 - cx
			dy := float64(r) + 0.5 - cy
			v := outside
			if dx*dx+dy*dy <= radius*radius {
				v = inside
			}
			pixels[r*cols+c] = v
		}
	}
	return &imaging.Frame{Rows: rows, Columns: cols, Pixels: pixels}
}

func TestMeasureUniformDisc(t *testing.T) {
	// The ellipse covers exactly the synthetic disc, so every sampled
	// pixel holds the same value.
	frame := discFrame(32, 32, 16, 16, 8, 40, -1000)
	stats, err := Measure(frame, Ellipse{CenterX: 16, CenterY: 16, RadiusX: 8, RadiusY: 8})
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if stats.Mean != 40 {
		t.Errorf("mean = %g, want 40", stats.Mean)
	}
	if stats.StdDev != 0 {
		t.Errorf("std dev = %g, want 0 on a uniform region", stats.StdDev)
	}
	if stats.Min != 40 || stats.Max != 40 {
		t.Errorf("min/max = %g/%g, want 40/40", stats.Min, stats.Max)
	}
	// Pixel count approximates the disc area within a pixel-quantization
	// margin.
	area := math.Pi * 8 * 8
	if float64(stats.Count) < area*0.9 || float64(stats.Count) > area*1.1 {
		t.Errorf("count = %d, want close to disc area %.0f", stats.Count, area)
	}
}

func TestMeasureWholeFrame(t *testing.T) {
	frame := uniformFrame(10, 10, -3)
	stats, err := Measure(frame, Polygon{Vertices: []Point{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
	}})
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if stats.Count != 100 {
		t.Errorf("count = %d, want every pixel", stats.Count)
	}
	if stats.Mean != -3 || stats.StdDev != 0 {
		t.Errorf("stats = %+v, want mean -3 and zero spread", stats)
	}
}

func TestMeasureEmptyRegion(t *testing.T) {
	frame := uniformFrame(10, 10, 0)

	// The ellipse sits entirely outside the frame.
	_, err := Measure(frame, Ellipse{CenterX: -20, CenterY: -20, RadiusX: 2, RadiusY: 2})
	if !errors.Is(err, dcmerr.ErrEmptyRegion) {
		t.Errorf("off-frame ellipse error = %v, want ErrEmptyRegion", err)
	}

	// A degenerate polygon covers no pixel centres.
	_, err = Measure(frame, Polygon{Vertices: []Point{{X: 1, Y: 1}, {X: 2, Y: 1}}})
	if !errors.Is(err, dcmerr.ErrEmptyRegion) {
		t.Errorf("degenerate polygon error = %v, want ErrEmptyRegion", err)
	}
}

func TestMeasureSinglePixel(t *testing.T) {
	frame := uniformFrame(4, 4, 7)
	stats, err := Measure(frame, Ellipse{CenterX: 1.5, CenterY: 1.5, RadiusX: 0.4, RadiusY: 0.4})
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("count = %d, want 1", stats.Count)
	}
	if stats.StdDev != 0 {
		t.Errorf("single-pixel std dev = %g, want 0", stats.StdDev)
	}
}

func TestMeasureMixedRegion(t *testing.T) {
	frame := uniformFrame(1, 4, 0)
	frame.Pixels = []float64{0, 10, 20, 30}
	stats, err := Measure(frame, Polygon{Vertices: []Point{
		{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 1}, {X: 0, Y: 1},
	}})
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if stats.Count != 4 || stats.Mean != 15 {
		t.Errorf("stats = %+v, want count 4 mean 15", stats)
	}
	if stats.Min != 0 || stats.Max != 30 {
		t.Errorf("min/max = %g/%g, want 0/30", stats.Min, stats.Max)
	}
}

func TestPolygonEvenOddRule(t *testing.T) {
	// A self-intersecting bowtie: the crossing point's surroundings are
	// outside under the even-odd rule.
	bowtie := Polygon{Vertices: []Point{
		{X: 0, Y: 0}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 10},
	}}
	if !bowtie.Contains(2, 5) {
		t.Error("left wing centre should be inside")
	}
	if !bowtie.Contains(8, 5) {
		t.Error("right wing centre should be inside")
	}
	if bowtie.Contains(5, 2) {
		t.Error("area above the crossing should be outside")
	}
}

func TestEllipseContains(t *testing.T) {
	e := Ellipse{CenterX: 5, CenterY: 5, RadiusX: 4, RadiusY: 2}
	if !e.Contains(5, 5) {
		t.Error("centre should be inside")
	}
	if !e.Contains(9, 5) {
		t.Error("boundary point on the major axis should be inside")
	}
	if e.Contains(5, 8) {
		t.Error("point past the minor radius should be outside")
	}
	if (Ellipse{CenterX: 5, CenterY: 5}).Contains(5, 5) {
		t.Error("zero-radius ellipse should contain nothing")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		meanHU   float64
		modality string
		want     string
	}{
		{-1000, "CT", "air"},
		{-800, "CT", "air"},
		{-600, "CT", "lung"},
		{-200, "CT", "fat"},
		{-10, "CT", "water"},
		{42, "CT", "blood"},
		{48, "CT", "muscle"},
		{200, "CT", "cancellous bone"},
		{900, "CT", "cortical bone"},
		{40, "MR", ""},
	}
	for _, tt := range tests {
		if got := Classify(tt.meanHU, tt.modality); got != tt.want {
			t.Errorf("Classify(%g, %s) = %q, want %q", tt.meanHU, tt.modality, got, tt.want)
		}
	}
}
