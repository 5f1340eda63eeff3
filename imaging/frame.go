// Package imaging decodes stored pixel frames into modality units and
// renders them to 8-bit grayscale through window/level transforms.
package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/types"
)

// Frame holds one decoded frame in output units (HU for CT), row-major.
type Frame struct {
	Rows    int
	Columns int
	Pixels  []float64
}

// At returns the value at (row, col) without bounds checking.
func (f *Frame) At(row, col int) float64 {
	return f.Pixels[row*f.Columns+col]
}

// DecodeFrame decodes one frame of the stored payload into output units,
// applying the instance's rescale transform. Multi-sample (color) data
// contributes its first sample.
func DecodeFrame(inst *types.Instance, payload []byte, frameIndex int) (*Frame, error) {
	if inst.Rows <= 0 || inst.Columns <= 0 {
		return nil, fmt.Errorf("instance %s has no pixel geometry", inst.SOPInstanceUID)
	}
	if frameIndex < 0 || frameIndex >= maxInt(inst.NumberOfFrames, 1) {
		return nil, fmt.Errorf("frame %d out of range (instance has %d)", frameIndex, inst.NumberOfFrames)
	}

	if inst.EncapsulatedPixelData {
		return decodeCompressedFrame(inst, payload)
	}
	return decodeNativeFrame(inst, payload, frameIndex)
}

func decodeNativeFrame(inst *types.Instance, payload []byte, frameIndex int) (*Frame, error) {
	frameLen := inst.FrameLength()
	offset := frameIndex * frameLen
	if offset+frameLen > len(payload) {
		return nil, fmt.Errorf("pixel payload truncated: frame %d needs %d bytes, have %d",
			frameIndex, offset+frameLen, len(payload))
	}
	data := payload[offset : offset+frameLen]

	samples := inst.SamplesPerPixel
	if samples == 0 {
		samples = 1
	}
	n := inst.Rows * inst.Columns
	pixels := make([]float64, n)

	switch inst.BitsAllocated {
	case 8:
		for i := 0; i < n; i++ {
			v := float64(data[i*samples])
			if inst.Signed() {
				v = float64(int8(data[i*samples]))
			}
			pixels[i] = inst.RescaleSlope*v + inst.RescaleIntercept
		}
	case 16:
		stride := 2 * samples
		for i := 0; i < n; i++ {
			raw := binary.LittleEndian.Uint16(data[i*stride:])
			v := float64(raw)
			if inst.Signed() {
				v = float64(int16(raw))
			}
			pixels[i] = inst.RescaleSlope*v + inst.RescaleIntercept
		}
	default:
		return nil, fmt.Errorf("%w: bits allocated %d", dcmerr.ErrUnsupportedTransfer, inst.BitsAllocated)
	}

	return &Frame{Rows: inst.Rows, Columns: inst.Columns, Pixels: pixels}, nil
}

// decodeCompressedFrame handles baseline JPEG payloads, the only
// compressed encoding stored. The stored blob is the fragment stream of a
// single-frame object.
func decodeCompressedFrame(inst *types.Instance, payload []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode compressed frame of %s: %w", inst.SOPInstanceUID, err)
	}
	bounds := img.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	pixels := make([]float64, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			v := float64(r >> 8)
			pixels[y*cols+x] = inst.RescaleSlope*v + inst.RescaleIntercept
		}
	}
	return &Frame{Rows: rows, Columns: cols, Pixels: pixels}, nil
}

// Render maps a frame to 8-bit grayscale with a linear window transform.
// Values at or below center-width/2 map to 0, at or above center+width/2
// to 255. MONOCHROME1 output is inverted so low values display bright.
func Render(frame *Frame, center, width float64, photometric string) *image.Gray {
	if width < 1 {
		width = 1
	}
	low := center - width/2
	scale := 255.0 / width
	invert := photometric == "MONOCHROME1"

	img := image.NewGray(image.Rect(0, 0, frame.Columns, frame.Rows))
	for i, v := range frame.Pixels {
		g := (v - low) * scale
		if g < 0 {
			g = 0
		} else if g > 255 {
			g = 255
		}
		b := uint8(g)
		if invert {
			b = 255 - b
		}
		img.Pix[i] = b
	}
	return img
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
