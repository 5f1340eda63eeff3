package imaging

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Auto-window parameters. CT gets a spread-based window because HU
// distributions are heavily bimodal (air vs tissue) and percentiles
// alone land the window on the air peak.
const (
	defaultWindowLowQ  = 0.02
	defaultWindowHighQ = 0.98
	ctMaxAutoWidth     = 2000.0
	ctSigmaFactor      = 3.0
)

// Window is a display window in output units.
type Window struct {
	Center float64 `json:"center"`
	Width  float64 `json:"width"`
}

// Presets are the standard CT review windows.
var Presets = map[string]Window{
	"lung":        {Center: -600, Width: 1500},
	"bone":        {Center: 400, Width: 1800},
	"soft_tissue": {Center: 50, Width: 400},
	"brain":       {Center: 40, Width: 80},
}

// Windower resolves display windows. The quantiles bound the
// auto-window for non-CT modalities; the zero value uses the
// 2nd..98th percentile span.
type Windower struct {
	LowQuantile  float64
	HighQuantile float64
}

func (wr Windower) quantiles() (float64, float64) {
	lo, hi := wr.LowQuantile, wr.HighQuantile
	if lo <= 0 || hi <= 0 || lo >= hi || hi >= 1 {
		return defaultWindowLowQ, defaultWindowHighQ
	}
	return lo, hi
}

// Auto derives a display window from the frame's value distribution.
// CT uses mean-centered spread capped at ctMaxAutoWidth; other
// modalities use the configured percentile span. A degenerate
// (near-constant) frame gets a unit-width window centered on its value,
// which renders it mid-gray instead of dividing by zero.
func (wr Windower) Auto(frame *Frame, modality string) Window {
	if len(frame.Pixels) == 0 {
		return Window{Center: 0, Width: 1}
	}

	if modality == "CT" {
		mean, sigma := stat.MeanStdDev(frame.Pixels, nil)
		if math.IsNaN(sigma) || sigma < 0.5 {
			return Window{Center: mean, Width: 1}
		}
		width := math.Min(ctSigmaFactor*sigma, ctMaxAutoWidth)
		if width < 1 {
			width = 1
		}
		return Window{Center: mean, Width: width}
	}

	sorted := make([]float64, len(frame.Pixels))
	copy(sorted, frame.Pixels)
	sort.Float64s(sorted)

	lowQ, highQ := wr.quantiles()
	low := stat.Quantile(lowQ, stat.Empirical, sorted, nil)
	high := stat.Quantile(highQ, stat.Empirical, sorted, nil)
	if high-low < 1 {
		return Window{Center: (high + low) / 2, Width: 1}
	}
	return Window{Center: (high + low) / 2, Width: high - low}
}

// For picks the window for rendering: an explicit request wins, then a
// named preset, then the instance's stored defaults, then the
// auto-window. A stored window that does not overlap the frame's value
// range would render the frame uniformly, so it is replaced by the full
// data range instead.
func (wr Windower) For(frame *Frame, modality string, explicit *Window, preset string, storedCenter, storedWidth *float64) Window {
	if explicit != nil {
		w := *explicit
		if w.Width < 1 {
			w.Width = 1
		}
		return w
	}
	if preset != "" {
		if w, ok := Presets[preset]; ok {
			return w
		}
	}
	if storedCenter != nil && storedWidth != nil && *storedWidth >= 1 {
		w := Window{Center: *storedCenter, Width: *storedWidth}
		lo, hi, ok := pixelRange(frame)
		if !ok || overlaps(w, lo, hi) {
			return w
		}
		return fullRangeWindow(lo, hi)
	}
	return wr.Auto(frame, modality)
}

// AutoWindow derives a display window with the default quantiles.
func AutoWindow(frame *Frame, modality string) Window {
	return Windower{}.Auto(frame, modality)
}

// WindowFor resolves the window with the default quantiles.
func WindowFor(frame *Frame, modality string, explicit *Window, preset string, storedCenter, storedWidth *float64) Window {
	return Windower{}.For(frame, modality, explicit, preset, storedCenter, storedWidth)
}

func pixelRange(frame *Frame) (lo, hi float64, ok bool) {
	if frame == nil || len(frame.Pixels) == 0 {
		return 0, 0, false
	}
	lo, hi = frame.Pixels[0], frame.Pixels[0]
	for _, v := range frame.Pixels[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, true
}

func overlaps(w Window, lo, hi float64) bool {
	return w.Center-w.Width/2 <= hi && w.Center+w.Width/2 >= lo
}

func fullRangeWindow(lo, hi float64) Window {
	width := hi - lo
	if width < 1 {
		width = 1
	}
	return Window{Center: (lo + hi) / 2, Width: width}
}
