package volume

import (
	"testing"
)

// testVolume builds a 4x4x3 volume whose voxel value encodes its
// coordinates, so resampled positions are checkable exactly.
func testVolume() *Volume {
	vol := &Volume{
		Columns: 4,
		Rows:    4,
		Slices:  3,
		Spacing: [3]float64{1, 1, 2},
		RowDir:  [3]float64{1, 0, 0},
		ColDir:  [3]float64{0, 1, 0},
		Normal:  [3]float64{0, 0, 1},
		Data:    make([]float64, 4*4*3),
	}
	for z := 0; z < vol.Slices; z++ {
		for y := 0; y < vol.Rows; y++ {
			for x := 0; x < vol.Columns; x++ {
				vol.Data[(z*vol.Rows+y)*vol.Columns+x] = float64(100*z + 10*y + x)
			}
		}
	}
	return vol
}

func TestAxialPlaneIsDirectCopy(t *testing.T) {
	vol := testVolume()
	frame, err := ResamplePlane(vol, PlaneRequest{Orientation: PlaneAxial, Index: 1})
	if err != nil {
		t.Fatalf("ResamplePlane failed: %v", err)
	}
	if frame.Rows != 4 || frame.Columns != 4 {
		t.Fatalf("frame = %dx%d, want 4x4", frame.Columns, frame.Rows)
	}
	if got := frame.At(2, 3); got != 123 {
		t.Errorf("At(2,3) = %g, want 123", got)
	}
}

func TestAxialPlaneIndexOutOfRange(t *testing.T) {
	vol := testVolume()
	if _, err := ResamplePlane(vol, PlaneRequest{Orientation: PlaneAxial, Index: 3}); err == nil {
		t.Fatal("expected error for axial index past the last slice")
	}
	if _, err := ResamplePlane(vol, PlaneRequest{Orientation: PlaneAxial, Index: -1}); err == nil {
		t.Fatal("expected error for negative axial index")
	}
}

func TestCoronalPlaneAspect(t *testing.T) {
	vol := testVolume()
	frame, err := ResamplePlane(vol, PlaneRequest{Orientation: PlaneCoronal, Index: 2})
	if err != nil {
		t.Fatalf("ResamplePlane failed: %v", err)
	}
	if frame.Columns != vol.Columns {
		t.Errorf("coronal width = %d, want %d", frame.Columns, vol.Columns)
	}
	// 3 slices at 2mm against 1mm pixels doubles the output extent.
	if frame.Rows != 6 {
		t.Errorf("coronal height = %d, want 6", frame.Rows)
	}
	// First output row sits on slice 0, last on slice 2.
	if got := frame.At(0, 1); got != 21 {
		t.Errorf("top row At(0,1) = %g, want 21", got)
	}
	if got := frame.At(frame.Rows-1, 1); got != 221 {
		t.Errorf("bottom row At(%d,1) = %g, want 221", frame.Rows-1, got)
	}
}

func TestSagittalPlane(t *testing.T) {
	vol := testVolume()
	frame, err := ResamplePlane(vol, PlaneRequest{Orientation: PlaneSagittal, Index: 1})
	if err != nil {
		t.Fatalf("ResamplePlane failed: %v", err)
	}
	if frame.Columns != vol.Rows {
		t.Errorf("sagittal width = %d, want %d", frame.Columns, vol.Rows)
	}
	if got := frame.At(0, 3); got != 31 {
		t.Errorf("top row At(0,3) = %g, want 31", got)
	}
}

func TestObliquePlane(t *testing.T) {
	vol := testVolume()

	// An axial-equivalent oblique cut through slice 1.
	frame, err := ResamplePlane(vol, PlaneRequest{
		Orientation: PlaneOblique,
		Origin:      [3]float64{0, 0, 1},
		XDir:        [3]float64{1, 0, 0},
		YDir:        [3]float64{0, 1, 0},
		Width:       4,
		Height:      4,
		StepMM:      1,
	})
	if err != nil {
		t.Fatalf("ResamplePlane failed: %v", err)
	}
	if got := frame.At(2, 3); got != 123 {
		t.Errorf("oblique At(2,3) = %g, want 123", got)
	}
}

func TestObliquePlaneValidation(t *testing.T) {
	vol := testVolume()
	if _, err := ResamplePlane(vol, PlaneRequest{Orientation: PlaneOblique, Width: 0, Height: 4}); err == nil {
		t.Fatal("expected error for zero width")
	}
	if _, err := ResamplePlane(vol, PlaneRequest{
		Orientation: PlaneOblique,
		Width:       4, Height: 4,
		XDir: [3]float64{0, 0, 0},
		YDir: [3]float64{0, 1, 0},
	}); err == nil {
		t.Fatal("expected error for zero direction vector")
	}
}

func TestUnknownOrientation(t *testing.T) {
	if _, err := ResamplePlane(testVolume(), PlaneRequest{Orientation: "diagonal"}); err == nil {
		t.Fatal("expected error for unknown orientation")
	}
}

func TestProjectMIPAndMinIP(t *testing.T) {
	vol := testVolume()

	mip, err := Project(vol, ProjectionMIP)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	// Max along Z is always the z=2 slice.
	if got := mip.At(1, 2); got != 212 {
		t.Errorf("MIP At(1,2) = %g, want 212", got)
	}

	minip, err := Project(vol, ProjectionMinIP)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if got := minip.At(1, 2); got != 12 {
		t.Errorf("MinIP At(1,2) = %g, want 12", got)
	}

	if _, err := Project(vol, "avg"); err == nil {
		t.Fatal("expected error for unknown projection kind")
	}
}

func TestTrilinearMidpoint(t *testing.T) {
	vol := testVolume()
	// Halfway between slices 0 and 1 at integer (x,y).
	got := sampleTrilinear(vol, 1, 1, 0.5)
	if got != 61 {
		t.Errorf("midpoint sample = %g, want 61", got)
	}
}

func TestVolumeAtClamps(t *testing.T) {
	vol := testVolume()
	if got := vol.At(-5, 0, 0); got != vol.At(0, 0, 0) {
		t.Errorf("negative x not clamped: %g", got)
	}
	if got := vol.At(10, 10, 10); got != vol.At(3, 3, 2) {
		t.Errorf("overflow not clamped: %g", got)
	}
}
