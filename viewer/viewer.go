// Package viewer is the read-side facade: it renders instances,
// opens volume sessions over reconstructed series, and measures ROIs.
package viewer

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
	"github.com/halcyonimaging/pacscore/index"
	"github.com/halcyonimaging/pacscore/roi"
	"github.com/halcyonimaging/pacscore/types"
	"github.com/halcyonimaging/pacscore/volume"
)

// VolumeSource produces current-version volumes and resampled planes.
// Implemented by cache.Cache.
type VolumeSource interface {
	Volume(ctx context.Context, seriesInstanceUID string) (*volume.Volume, error)
	Plane(ctx context.Context, seriesInstanceUID string, req volume.PlaneRequest) (*imaging.Frame, error)
	Project(ctx context.Context, seriesInstanceUID string, kind string) (*imaging.Frame, error)
}

// RenderOptions select the frame and display window of a rendering.
type RenderOptions struct {
	Frame  int
	Preset string
	Window *imaging.Window
}

// VolumeInfo describes an opened volume session.
type VolumeInfo struct {
	Handle            string     `json:"handle"`
	SeriesInstanceUID string     `json:"series_instance_uid"`
	Modality          string     `json:"modality"`
	Columns           int        `json:"columns"`
	Rows              int        `json:"rows"`
	Slices            int        `json:"slices"`
	Spacing           [3]float64 `json:"spacing_mm"`
}

// Measurement is an ROI result with its tissue classification, empty for
// non-CT frames.
type Measurement struct {
	Stats  roi.Stats `json:"stats"`
	Tissue string    `json:"tissue,omitempty"`
}

// Viewer orchestrates the read paths over the index and the
// reconstruction cache.
type Viewer struct {
	repo    index.Repository
	blobs   *index.BlobStore
	volumes VolumeSource
	logger  *slog.Logger

	// Windowing resolves display windows; the zero value uses the
	// default auto-window quantiles.
	Windowing imaging.Windower

	mu      sync.RWMutex
	handles map[string]string // handle -> seriesUID
}

// New creates a viewer.
func New(repo index.Repository, blobs *index.BlobStore, volumes VolumeSource, logger *slog.Logger) *Viewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Viewer{
		repo:    repo,
		blobs:   blobs,
		volumes: volumes,
		logger:  logger,
		handles: make(map[string]string),
	}
}

// frameOf loads and decodes one frame of an instance.
func (v *Viewer) frameOf(sopInstanceUID string, frameIndex int) (*imaging.Frame, *types.Instance, error) {
	inst, ok, err := v.repo.GetInstance(sopInstanceUID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, dcmerr.ErrInstanceNotFound
	}
	payload, err := v.blobs.Read(inst.BlobPath)
	if err != nil {
		return nil, nil, err
	}
	frame, err := imaging.DecodeFrame(&inst, payload, frameIndex)
	if err != nil {
		return nil, nil, err
	}
	return frame, &inst, nil
}

// RenderInstance renders one frame of an instance to 8-bit grayscale and
// reports the window that was applied.
func (v *Viewer) RenderInstance(ctx context.Context, sopInstanceUID string, opts RenderOptions) (*image.Gray, imaging.Window, error) {
	frame, inst, err := v.frameOf(sopInstanceUID, opts.Frame)
	if err != nil {
		return nil, imaging.Window{}, err
	}
	win := v.Windowing.For(frame, inst.Modality, opts.Window, opts.Preset, inst.WindowCenter, inst.WindowWidth)
	img := imaging.Render(frame, win.Center, win.Width, inst.PhotometricInterpretation)
	return img, win, nil
}

// OpenVolume reconstructs (or fetches) the series volume and returns a
// session handle. The handle survives later ingests into the series;
// subsequent plane requests see the refreshed volume.
func (v *Viewer) OpenVolume(ctx context.Context, seriesInstanceUID string) (VolumeInfo, error) {
	vol, err := v.volumes.Volume(ctx, seriesInstanceUID)
	if err != nil {
		return VolumeInfo{}, err
	}

	handle := uuid.NewString()
	v.mu.Lock()
	v.handles[handle] = seriesInstanceUID
	v.mu.Unlock()

	v.logger.InfoContext(ctx, "Volume session opened",
		"handle", handle,
		"series", seriesInstanceUID,
		"slices", vol.Slices)
	return VolumeInfo{
		Handle:            handle,
		SeriesInstanceUID: seriesInstanceUID,
		Modality:          vol.Modality,
		Columns:           vol.Columns,
		Rows:              vol.Rows,
		Slices:            vol.Slices,
		Spacing:           vol.Spacing,
	}, nil
}

// CloseVolume forgets a session handle.
func (v *Viewer) CloseVolume(handle string) {
	v.mu.Lock()
	delete(v.handles, handle)
	v.mu.Unlock()
}

func (v *Viewer) resolveHandle(handle string) (string, error) {
	v.mu.RLock()
	seriesUID, ok := v.handles[handle]
	v.mu.RUnlock()
	if !ok {
		return "", dcmerr.ErrVolumeHandleUnknown
	}
	return seriesUID, nil
}

// seriesModality reads the series' modality for windowing and tissue
// classification; unknown series get the empty modality.
func (v *Viewer) seriesModality(seriesUID string) string {
	series, ok, err := v.repo.GetSeries(seriesUID)
	if err != nil || !ok {
		return ""
	}
	return series.Modality
}

// Plane fetches a (possibly cached) resampled plane of the session's
// volume and renders it with the given options.
func (v *Viewer) Plane(ctx context.Context, handle string, req volume.PlaneRequest, opts RenderOptions) (*image.Gray, imaging.Window, error) {
	seriesUID, err := v.resolveHandle(handle)
	if err != nil {
		return nil, imaging.Window{}, err
	}
	frame, err := v.volumes.Plane(ctx, seriesUID, req)
	if err != nil {
		return nil, imaging.Window{}, err
	}
	win := v.Windowing.For(frame, v.seriesModality(seriesUID), opts.Window, opts.Preset, nil, nil)
	return imaging.Render(frame, win.Center, win.Width, "MONOCHROME2"), win, nil
}

// Project renders a MIP or MinIP of the session's volume.
func (v *Viewer) Project(ctx context.Context, handle string, kind string, opts RenderOptions) (*image.Gray, imaging.Window, error) {
	seriesUID, err := v.resolveHandle(handle)
	if err != nil {
		return nil, imaging.Window{}, err
	}
	frame, err := v.volumes.Project(ctx, seriesUID, kind)
	if err != nil {
		return nil, imaging.Window{}, err
	}
	win := v.Windowing.For(frame, v.seriesModality(seriesUID), opts.Window, opts.Preset, nil, nil)
	return imaging.Render(frame, win.Center, win.Width, "MONOCHROME2"), win, nil
}

// Measure computes ROI statistics on one frame of an instance, in output
// units, with a tissue classification for CT.
func (v *Viewer) Measure(ctx context.Context, sopInstanceUID string, frameIndex int, region roi.Region) (Measurement, error) {
	frame, inst, err := v.frameOf(sopInstanceUID, frameIndex)
	if err != nil {
		return Measurement{}, err
	}
	stats, err := roi.Measure(frame, region)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{
		Stats:  stats,
		Tissue: roi.Classify(stats.Mean, inst.Modality),
	}, nil
}

// MeasurePlane computes ROI statistics on a resampled plane of the
// session's volume, so measurements work on reconstructed views, not
// just stored slices.
func (v *Viewer) MeasurePlane(ctx context.Context, handle string, req volume.PlaneRequest, region roi.Region) (Measurement, error) {
	seriesUID, err := v.resolveHandle(handle)
	if err != nil {
		return Measurement{}, err
	}
	frame, err := v.volumes.Plane(ctx, seriesUID, req)
	if err != nil {
		return Measurement{}, err
	}
	stats, err := roi.Measure(frame, region)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{
		Stats:  stats,
		Tissue: roi.Classify(stats.Mean, v.seriesModality(seriesUID)),
	}, nil
}
