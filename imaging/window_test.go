package imaging

import (
	"math"
	"testing"
)

func constantFrame(rows, cols int, value float64) *Frame {
	pixels := make([]float64, rows*cols)
	for i := range pixels {
		pixels[i] = value
	}
	return &Frame{Rows: rows, Columns: cols, Pixels: pixels}
}

func gradientFrame(rows, cols int, lo, hi float64) *Frame {
	pixels := make([]float64, rows*cols)
	step := (hi - lo) / float64(len(pixels)-1)
	for i := range pixels {
		pixels[i] = lo + float64(i)*step
	}
	return &Frame{Rows: rows, Columns: cols, Pixels: pixels}
}

func TestAutoWindowDegenerateFrame(t *testing.T) {
	for _, modality := range []string{"CT", "MR"} {
		w := AutoWindow(constantFrame(8, 8, 40), modality)
		if w.Width != 1 {
			t.Errorf("%s: degenerate width = %g, want 1", modality, w.Width)
		}
		if w.Center != 40 {
			t.Errorf("%s: degenerate center = %g, want 40", modality, w.Center)
		}
	}
}

func TestAutoWindowCTCapsWidth(t *testing.T) {
	// Air-to-bone span drives 3 sigma far past the cap.
	frame := gradientFrame(64, 64, -1000, 3000)
	w := AutoWindow(frame, "CT")
	if w.Width != ctMaxAutoWidth {
		t.Errorf("width = %g, want capped at %g", w.Width, ctMaxAutoWidth)
	}
	if math.Abs(w.Center-1000) > 1 {
		t.Errorf("center = %g, want near the mean 1000", w.Center)
	}
}

func TestAutoWindowPercentileSpan(t *testing.T) {
	frame := gradientFrame(32, 32, 0, 1000)
	w := AutoWindow(frame, "MR")
	if w.Width < 900 || w.Width > 1000 {
		t.Errorf("width = %g, want roughly the p2..p98 span", w.Width)
	}
	if math.Abs(w.Center-500) > 25 {
		t.Errorf("center = %g, want near 500", w.Center)
	}
}

func TestAutoWindowDeterministic(t *testing.T) {
	frame := gradientFrame(16, 16, -500, 500)
	first := AutoWindow(frame, "CT")
	for i := 0; i < 5; i++ {
		if w := AutoWindow(frame, "CT"); w != first {
			t.Fatalf("run %d produced %+v, first run %+v", i, w, first)
		}
	}
}

func TestWindowForPrecedence(t *testing.T) {
	frame := gradientFrame(8, 8, 0, 100)
	center, width := 123.0, 456.0

	if w := WindowFor(frame, "CT", &Window{Center: 10, Width: 20}, "lung", &center, &width); w.Center != 10 || w.Width != 20 {
		t.Errorf("explicit window lost: %+v", w)
	}
	if w := WindowFor(frame, "CT", nil, "lung", &center, &width); w != Presets["lung"] {
		t.Errorf("preset lost to stored defaults: %+v", w)
	}
	if w := WindowFor(frame, "CT", nil, "", &center, &width); w.Center != 123 || w.Width != 456 {
		t.Errorf("stored defaults lost: %+v", w)
	}
	if w := WindowFor(frame, "CT", nil, "", nil, nil); w.Width < 1 {
		t.Errorf("auto fallback produced degenerate window: %+v", w)
	}

	// A stored zero width is degenerate and must not be used.
	zero := 0.0
	if w := WindowFor(frame, "CT", nil, "", &center, &zero); w.Center == 123 && w.Width == 0 {
		t.Errorf("degenerate stored window used verbatim: %+v", w)
	}
}

func TestWindowForRejectsDisjointStoredWindow(t *testing.T) {
	frame := gradientFrame(8, 8, 0, 100)

	// Stored tags claiming [4950, 5050] share no values with a frame
	// spanning [0, 100]; rendering through them would be uniform black.
	center, width := 5000.0, 100.0
	w := WindowFor(frame, "CT", nil, "", &center, &width)
	if w.Center != 50 || w.Width != 100 {
		t.Fatalf("window = %+v, want the full data range {50 100}", w)
	}

	img := Render(frame, w.Center, w.Width, "MONOCHROME2")
	first := img.GrayAt(0, 0).Y
	var varied bool
	for y := 0; y < 8 && !varied; y++ {
		for x := 0; x < 8; x++ {
			if img.GrayAt(x, y).Y != first {
				varied = true
				break
			}
		}
	}
	if !varied {
		t.Error("fallback window still renders the frame uniformly")
	}

	// A stored window that merely clips the range is trusted as-is.
	center, width = 90.0, 40.0
	if w := WindowFor(frame, "CT", nil, "", &center, &width); w.Center != 90 || w.Width != 40 {
		t.Errorf("overlapping stored window replaced: %+v", w)
	}
}

func TestWindowerCustomQuantiles(t *testing.T) {
	frame := gradientFrame(32, 32, 0, 1000)

	wide := Windower{LowQuantile: 0.01, HighQuantile: 0.99}.Auto(frame, "MR")
	tight := Windower{LowQuantile: 0.25, HighQuantile: 0.75}.Auto(frame, "MR")
	if tight.Width >= wide.Width {
		t.Errorf("p25..p75 width %g not tighter than p1..p99 width %g", tight.Width, wide.Width)
	}

	// Nonsense quantiles fall back to the defaults.
	def := Windower{}.Auto(frame, "MR")
	if got := (Windower{LowQuantile: 0.9, HighQuantile: 0.1}).Auto(frame, "MR"); got != def {
		t.Errorf("inverted quantiles produced %+v, want default %+v", got, def)
	}
}

func TestWindowForClampsExplicitWidth(t *testing.T) {
	w := WindowFor(constantFrame(4, 4, 0), "CT", &Window{Center: 0, Width: 0}, "", nil, nil)
	if w.Width != 1 {
		t.Errorf("explicit zero width = %g, want clamped to 1", w.Width)
	}
}
