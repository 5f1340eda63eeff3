// Package volume stacks the instances of a series into a 3D scalar
// volume in patient space and resamples planes and projections from it.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
	"github.com/halcyonimaging/pacscore/index"
	"github.com/halcyonimaging/pacscore/metrics"
	"github.com/halcyonimaging/pacscore/types"
)

// defaultSpacingTolerance is the allowed relative deviation of
// inter-slice gaps from their median before the series is declared
// geometrically inconsistent.
const defaultSpacingTolerance = 0.25

// orientationTolerance is the allowed deviation of each orientation
// cosine between slices.
const orientationTolerance = 1e-3

// Volume is a reconstructed scalar grid. Data is indexed
// [z*Rows*Columns + y*Columns + x], in output units (HU for CT).
// RowDir/ColDir/Normal are unit vectors in patient space; Origin is the
// position of voxel (0,0,0).
type Volume struct {
	SeriesInstanceUID string
	Version           types.SeriesVersion
	Modality          string

	Columns int // X
	Rows    int // Y
	Slices  int // Z

	// Spacing is (column, row, slice) in millimetres.
	Spacing [3]float64
	Origin  [3]float64
	RowDir  [3]float64
	ColDir  [3]float64
	Normal  [3]float64

	Data []float64
}

// ByteSize reports the in-memory footprint of the voxel data, used for
// cache accounting.
func (v *Volume) ByteSize() int64 {
	return int64(len(v.Data)) * 8
}

// At returns the voxel value at integer coordinates, clamping to the
// volume bounds.
func (v *Volume) At(x, y, z int) float64 {
	x = clampInt(x, 0, v.Columns-1)
	y = clampInt(y, 0, v.Rows-1)
	z = clampInt(z, 0, v.Slices-1)
	return v.Data[(z*v.Rows+y)*v.Columns+x]
}

// Builder reconstructs volumes from indexed series.
type Builder struct {
	repo   index.Repository
	blobs  *index.BlobStore
	logger *slog.Logger

	// SpacingTolerance is the allowed relative deviation of inter-slice
	// gaps from their median. Zero means the default of 25%.
	SpacingTolerance float64
}

// NewBuilder creates a volume builder over the given stores.
func NewBuilder(repo index.Repository, blobs *index.BlobStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{repo: repo, blobs: blobs, logger: logger}
}

// Build reconstructs the series into a volume. Slices are ordered by
// their physical position along the stack normal, not by instance
// number; instance number is the fallback when position data is absent.
// Geometric inconsistencies surface as GeometryError rather than being
// silently approximated.
func (b *Builder) Build(ctx context.Context, seriesInstanceUID string) (*Volume, error) {
	start := time.Now()

	series, ok, err := b.repo.GetSeries(seriesInstanceUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dcmerr.ErrSeriesNotFound
	}
	if !series.Stackable {
		return nil, dcmerr.ErrSeriesNotStackable
	}

	instances, err := b.repo.InstancesBySeries(seriesInstanceUID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, dcmerr.ErrSeriesNotFound
	}
	if len(instances) < 2 {
		return nil, &dcmerr.GeometryError{
			SeriesInstanceUID: seriesInstanceUID,
			Reason:            "a volume needs at least two slices",
		}
	}

	ordered, normal, err := orderSlices(seriesInstanceUID, instances)
	if err != nil {
		return nil, err
	}

	first := &ordered[0]
	if first.Rows <= 0 || first.Columns <= 0 {
		return nil, &dcmerr.GeometryError{
			SeriesInstanceUID: seriesInstanceUID,
			Reason:            "instances carry no pixel geometry",
		}
	}

	tolerance := b.SpacingTolerance
	if tolerance <= 0 {
		tolerance = defaultSpacingTolerance
	}
	sliceSpacing, err := validateGeometry(seriesInstanceUID, ordered, normal, tolerance)
	if err != nil {
		return nil, err
	}

	vol := &Volume{
		SeriesInstanceUID: seriesInstanceUID,
		Version:           index.VersionFor(seriesInstanceUID, instances),
		Modality:          series.Modality,
		Columns:           first.Columns,
		Rows:              first.Rows,
		Slices:            len(ordered),
		Spacing:           [3]float64{first.PixelSpacing[1], first.PixelSpacing[0], sliceSpacing},
		Normal:            normal,
		Data:              make([]float64, first.Rows*first.Columns*len(ordered)),
	}
	if len(first.ImagePositionPatient) == 3 {
		copy(vol.Origin[:], first.ImagePositionPatient)
	}
	if len(first.ImageOrientationPatient) == 6 {
		copy(vol.RowDir[:], first.ImageOrientationPatient[0:3])
		copy(vol.ColDir[:], first.ImageOrientationPatient[3:6])
	} else {
		vol.RowDir = [3]float64{1, 0, 0}
		vol.ColDir = [3]float64{0, 1, 0}
	}

	sliceLen := first.Rows * first.Columns
	for z := range ordered {
		inst := &ordered[z]
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		payload, err := b.blobs.Read(inst.BlobPath)
		if err != nil {
			return nil, err
		}
		frame, err := imaging.DecodeFrame(inst, payload, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to decode slice %d (%s): %w", z, inst.SOPInstanceUID, err)
		}
		if len(frame.Pixels) != sliceLen {
			return nil, &dcmerr.GeometryError{
				SeriesInstanceUID: seriesInstanceUID,
				Reason:            fmt.Sprintf("slice %s has %d pixels, volume expects %d", inst.SOPInstanceUID, len(frame.Pixels), sliceLen),
			}
		}
		copy(vol.Data[z*sliceLen:(z+1)*sliceLen], frame.Pixels)
	}

	metrics.BuildDuration.WithLabelValues("volume").Observe(time.Since(start).Seconds())
	b.logger.InfoContext(ctx, "Volume reconstructed",
		"series", seriesInstanceUID,
		"slices", vol.Slices,
		"rows", vol.Rows,
		"columns", vol.Columns,
		"slice_spacing_mm", sliceSpacing,
		"elapsed", time.Since(start))
	return vol, nil
}

// orderSlices sorts instances by physical position along the stack
// normal. Instances without position data fall back to instance number
// ordering, and the normal defaults to +Z.
func orderSlices(seriesUID string, instances []types.Instance) ([]types.Instance, [3]float64, error) {
	ordered := make([]types.Instance, len(instances))
	copy(ordered, instances)

	var withPos int
	for i := range ordered {
		if len(ordered[i].ImagePositionPatient) == 3 {
			withPos++
		}
	}

	if withPos != len(ordered) {
		if withPos > 0 {
			return nil, [3]float64{}, &dcmerr.GeometryError{
				SeriesInstanceUID: seriesUID,
				Reason:            "some instances carry ImagePositionPatient and some do not",
			}
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].InstanceNumber < ordered[j].InstanceNumber
		})
		return ordered, [3]float64{0, 0, 1}, nil
	}

	normal := [3]float64{0, 0, 1}
	if len(ordered[0].ImageOrientationPatient) == 6 {
		o := ordered[0].ImageOrientationPatient
		normal = cross(
			[3]float64{o[0], o[1], o[2]},
			[3]float64{o[3], o[4], o[5]},
		)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return dot3(ordered[i].ImagePositionPatient, normal) < dot3(ordered[j].ImagePositionPatient, normal)
	})
	return ordered, normal, nil
}

// validateGeometry checks in-plane consistency, shared orientation and
// uniform slice spacing, returning the spacing.
func validateGeometry(seriesUID string, ordered []types.Instance, normal [3]float64, tolerance float64) (float64, error) {
	first := &ordered[0]
	for i := range ordered {
		inst := &ordered[i]
		if inst.Rows != first.Rows || inst.Columns != first.Columns {
			return 0, &dcmerr.GeometryError{
				SeriesInstanceUID: seriesUID,
				Reason: fmt.Sprintf("slice %s is %dx%d, series is %dx%d",
					inst.SOPInstanceUID, inst.Rows, inst.Columns, first.Rows, first.Columns),
			}
		}
		if inst.PixelSpacing != [2]float64{} && first.PixelSpacing != [2]float64{} &&
			inst.PixelSpacing != first.PixelSpacing {
			return 0, &dcmerr.GeometryError{
				SeriesInstanceUID: seriesUID,
				Reason: fmt.Sprintf("slice %s pixel spacing %v diverges from series %v",
					inst.SOPInstanceUID, inst.PixelSpacing, first.PixelSpacing),
			}
		}
		if len(inst.ImageOrientationPatient) == 6 && len(first.ImageOrientationPatient) == 6 {
			for k := 0; k < 6; k++ {
				if math.Abs(inst.ImageOrientationPatient[k]-first.ImageOrientationPatient[k]) > orientationTolerance {
					return 0, &dcmerr.GeometryError{
						SeriesInstanceUID: seriesUID,
						Reason:            fmt.Sprintf("slice %s orientation diverges from the series", inst.SOPInstanceUID),
					}
				}
			}
		}
	}

	if len(first.ImagePositionPatient) != 3 {
		if first.SliceThickness > 0 {
			return first.SliceThickness, nil
		}
		return 1, nil
	}

	gaps := make([]float64, 0, len(ordered)-1)
	for i := 1; i < len(ordered); i++ {
		gap := dot3(ordered[i].ImagePositionPatient, normal) - dot3(ordered[i-1].ImagePositionPatient, normal)
		if gap <= 0 {
			return 0, &dcmerr.GeometryError{
				SeriesInstanceUID: seriesUID,
				Reason:            fmt.Sprintf("duplicate or coincident slice positions around %s", ordered[i].SOPInstanceUID),
			}
		}
		gaps = append(gaps, gap)
	}

	median := medianOf(gaps)
	for i, gap := range gaps {
		if math.Abs(gap-median)/median > tolerance {
			return 0, &dcmerr.GeometryError{
				SeriesInstanceUID: seriesUID,
				Reason: fmt.Sprintf("slice gap %.3fmm after %s deviates from median %.3fmm",
					gap, ordered[i].SOPInstanceUID, median),
			}
		}
	}
	return median, nil
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func dot3(a []float64, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
