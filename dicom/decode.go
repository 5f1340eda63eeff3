package dicom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/types"
)

// undefinedLength marks sequences and encapsulated pixel data whose extent
// is delimited by items rather than a length field.
const undefinedLength = 0xFFFFFFFF

// maxElementLength bounds a single element so a corrupt length field fails
// fast instead of allocating gigabytes.
const maxElementLength = 1 << 30

// PixelData is the raw pixel payload of an object, kept out of the element
// map so metadata handling never drags the bulk data along.
type PixelData struct {
	// Native holds the uncompressed pixel array for native encodings.
	Native []byte

	// Encapsulated payloads carry one compressed fragment sequence
	// instead. OffsetTable is the Basic Offset Table item, possibly empty.
	Encapsulated bool
	Fragments    [][]byte
	OffsetTable  []uint32
}

// Object is one decoded DICOM object: file meta group (nil for bare data
// sets), the main data set, and the pixel payload if present.
type Object struct {
	Meta              *Dataset
	Data              *Dataset
	TransferSyntaxUID string
	PixelData         *PixelData
}

// reader tracks the stream offset so malformed-data errors can name the
// position, and can tee consumed bytes while capturing opaque sequences.
type reader struct {
	br      *bufio.Reader
	off     int64
	capture *bytes.Buffer
}

func newReader(r io.Reader) *reader {
	return &reader{br: bufio.NewReaderSize(r, 32*1024)}
}

func (r *reader) read(n int, expected string) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, dcmerr.NewMalformedDataSetError(r.off, expected)
	}
	r.off += int64(n)
	if r.capture != nil {
		r.capture.Write(buf)
	}
	return buf, nil
}

func (r *reader) uint16le(expected string) (uint16, error) {
	b, err := r.read(2, expected)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) uint32le(expected string) (uint32, error) {
	b, err := r.read(4, expected)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) tag(expected string) (Tag, error) {
	b, err := r.read(4, expected)
	if err != nil {
		return Tag{}, err
	}
	return Tag{
		Group:   binary.LittleEndian.Uint16(b[0:2]),
		Element: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// atEOF reports whether the stream is cleanly exhausted.
func (r *reader) atEOF() bool {
	_, err := r.br.Peek(1)
	return err != nil
}

// DecodeFile decodes a DICOM Part 10 stream: 128-byte preamble, "DICM"
// marker, explicit-VR file meta group, then the data set in the transfer
// syntax named by (0002,0010). The meta header is validated before the
// body is read, so a bad file fails without buffering the whole object.
func DecodeFile(r io.Reader) (*Object, error) {
	rd := newReader(r)

	header, err := rd.read(132, "128-byte preamble followed by DICM marker")
	if err != nil {
		return nil, err
	}
	if string(header[128:132]) != "DICM" {
		return nil, dcmerr.NewMalformedDataSetError(128, "DICM marker")
	}

	meta, err := decodeMetaGroup(rd)
	if err != nil {
		return nil, err
	}

	ts := meta.GetString(TagTransferSyntaxUID)
	if ts == "" {
		return nil, dcmerr.NewMalformedDataSetError(rd.off, "transfer syntax UID (0002,0010) in file meta group")
	}
	if ts == types.DeflatedExplicitVRLittleEndian || ts == types.ExplicitVRBigEndian {
		return nil, dcmerr.ErrUnsupportedTransfer
	}

	data, pixels, err := decodeDataset(rd, types.IsExplicitVR(ts), types.IsEncapsulated(ts))
	if err != nil {
		return nil, err
	}

	return &Object{
		Meta:              meta,
		Data:              data,
		TransferSyntaxUID: ts,
		PixelData:         pixels,
	}, nil
}

// DecodeDataSet decodes a bare data set (no Part 10 wrapper), as received
// over a C-STORE, in the association's negotiated transfer syntax.
func DecodeDataSet(r io.Reader, transferSyntaxUID string) (*Object, error) {
	ts := transferSyntaxUID
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}
	rd := newReader(r)
	data, pixels, err := decodeDataset(rd, types.IsExplicitVR(ts), types.IsEncapsulated(ts))
	if err != nil {
		return nil, err
	}
	return &Object{
		Data:              data,
		TransferSyntaxUID: ts,
		PixelData:         pixels,
	}, nil
}

// Decode sniffs the buffer: Part 10 streams go through DecodeFile, bare
// data sets through DecodeDataSet with the provided syntax.
func Decode(data []byte, transferSyntaxUID string) (*Object, error) {
	if len(data) >= 132 && string(data[128:132]) == "DICM" {
		return DecodeFile(bytes.NewReader(data))
	}
	return DecodeDataSet(bytes.NewReader(data), transferSyntaxUID)
}

// decodeMetaGroup reads group 0002 elements, which are always Explicit VR
// Little Endian regardless of the body's transfer syntax.
func decodeMetaGroup(rd *reader) (*Dataset, error) {
	meta := NewDataset()
	for {
		peek, err := rd.br.Peek(2)
		if err != nil {
			return nil, dcmerr.NewMalformedDataSetError(rd.off, "file meta group element")
		}
		if binary.LittleEndian.Uint16(peek) != 0x0002 {
			break
		}
		el, _, err := decodeElement(rd, true)
		if err != nil {
			return nil, err
		}
		meta.Elements[el.Tag] = el
	}
	if len(meta.Elements) == 0 {
		return nil, dcmerr.NewMalformedDataSetError(rd.off, "at least one file meta group element")
	}
	return meta, nil
}

func decodeDataset(rd *reader, explicitVR, encapsulated bool) (*Dataset, *PixelData, error) {
	ds := NewDataset()
	var pixels *PixelData

	for !rd.atEOF() {
		el, raw, err := decodeElementRaw(rd, explicitVR, encapsulated)
		if err != nil {
			return nil, nil, err
		}
		if el == nil {
			pixels = raw
			continue
		}
		ds.Elements[el.Tag] = el
	}
	return ds, pixels, nil
}

// decodeElement decodes one non-pixel element.
func decodeElement(rd *reader, explicitVR bool) (*Element, *PixelData, error) {
	return decodeElementRaw(rd, explicitVR, false)
}

// decodeElementRaw decodes one element. Pixel data (7FE0,0010) comes back
// as (nil, *PixelData); everything else as (*Element, nil).
func decodeElementRaw(rd *reader, explicitVR, encapsulated bool) (*Element, *PixelData, error) {
	startOff := rd.off
	tag, err := rd.tag("element tag")
	if err != nil {
		return nil, nil, err
	}

	var vr VR
	var length uint32

	if explicitVR && tag.Group != 0xFFFE {
		vrBytes, err := rd.read(2, "explicit VR code")
		if err != nil {
			return nil, nil, err
		}
		parsed, known := ParseVR(string(vrBytes))
		if !known {
			// PS3.5 6.2.2: codes from future standard editions read
			// like UN, but only well-formed codes qualify.
			if !isUpperAlpha(vrBytes) {
				return nil, nil, dcmerr.NewMalformedDataSetError(startOff+4, "two-letter VR code")
			}
		}
		vr = parsed
		if vr.LongHeader() {
			if _, err := rd.read(2, "reserved bytes after long VR"); err != nil {
				return nil, nil, err
			}
			if length, err = rd.uint32le("32-bit element length"); err != nil {
				return nil, nil, err
			}
		} else {
			l16, err := rd.uint16le("16-bit element length")
			if err != nil {
				return nil, nil, err
			}
			length = uint32(l16)
		}
	} else {
		if length, err = rd.uint32le("32-bit element length"); err != nil {
			return nil, nil, err
		}
		vr = DictVR(tag)
		if tag == TagPixelData && encapsulated {
			vr = VROB
		}
	}

	if tag == TagPixelData {
		if length == undefinedLength {
			if !encapsulated {
				return nil, nil, dcmerr.NewMalformedDataSetError(startOff, "defined pixel data length in native transfer syntax")
			}
			px, err := decodeEncapsulatedPixelData(rd)
			if err != nil {
				return nil, nil, err
			}
			return nil, px, nil
		}
		if length > maxElementLength {
			return nil, nil, dcmerr.NewMalformedDataSetError(startOff, "pixel data length within bounds")
		}
		raw, err := rd.read(int(length), "pixel data value")
		if err != nil {
			return nil, nil, err
		}
		return nil, &PixelData{Native: raw}, nil
	}

	if length == undefinedLength {
		// Sequences (and UN-encoded private sequences) are preserved
		// opaquely: walked for framing, stored as raw bytes.
		switch vr {
		case VRSQ, VRUN:
			raw, err := captureUndefinedSequence(rd, explicitVR)
			if err != nil {
				return nil, nil, err
			}
			return &Element{Tag: tag, VR: vr, Value: raw, Undefined: true}, nil, nil
		default:
			return nil, nil, dcmerr.NewMalformedDataSetError(startOff, "undefined length only on SQ, UN or pixel data")
		}
	}

	if length > maxElementLength {
		return nil, nil, dcmerr.NewMalformedDataSetError(startOff, "element length within bounds")
	}

	value, err := rd.read(int(length), "element value of declared length")
	if err != nil {
		return nil, nil, err
	}
	return &Element{Tag: tag, VR: vr, Value: parseValue(vr, value)}, nil, nil
}

// captureUndefinedSequence walks an undefined-length sequence, validating
// item framing, and returns the consumed bytes verbatim (delimiter
// included) so the element round-trips.
func captureUndefinedSequence(rd *reader, explicitVR bool) ([]byte, error) {
	prev := rd.capture
	buf := &bytes.Buffer{}
	rd.capture = buf
	err := walkUndefinedSequence(rd, explicitVR)
	rd.capture = prev
	if err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	if prev != nil {
		prev.Write(raw)
	}
	return raw, nil
}

func walkUndefinedSequence(rd *reader, explicitVR bool) error {
	for {
		itemTag, err := rd.tag("sequence item tag")
		if err != nil {
			return err
		}
		itemLen, err := rd.uint32le("sequence item length")
		if err != nil {
			return err
		}
		switch itemTag {
		case TagSequenceDelimitationItem:
			return nil
		case TagItem:
			if itemLen == undefinedLength {
				if err := walkUndefinedItem(rd, explicitVR); err != nil {
					return err
				}
			} else {
				if itemLen > maxElementLength {
					return dcmerr.NewMalformedDataSetError(rd.off, "item length within bounds")
				}
				if _, err := rd.read(int(itemLen), "sequence item value"); err != nil {
					return err
				}
			}
		default:
			return dcmerr.NewMalformedDataSetError(rd.off-8, "item (FFFE,E000) or sequence delimiter (FFFE,E0DD)")
		}
	}
}

// walkUndefinedItem consumes elements until the item delimiter, recursing
// through nested sequences.
func walkUndefinedItem(rd *reader, explicitVR bool) error {
	for {
		peek, err := rd.br.Peek(8)
		if err != nil {
			return dcmerr.NewMalformedDataSetError(rd.off, "element or item delimiter (FFFE,E00D)")
		}
		g := binary.LittleEndian.Uint16(peek[0:2])
		e := binary.LittleEndian.Uint16(peek[2:4])
		if g == 0xFFFE && e == 0xE00D {
			if _, err := rd.read(8, "item delimiter"); err != nil {
				return err
			}
			return nil
		}
		if _, _, err := decodeElementRaw(rd, explicitVR, false); err != nil {
			return err
		}
	}
}

// decodeEncapsulatedPixelData reads the Basic Offset Table and compressed
// fragments that follow an undefined-length pixel data element.
func decodeEncapsulatedPixelData(rd *reader) (*PixelData, error) {
	px := &PixelData{Encapsulated: true}
	first := true
	for {
		itemTag, err := rd.tag("encapsulated pixel data item")
		if err != nil {
			return nil, err
		}
		itemLen, err := rd.uint32le("encapsulated item length")
		if err != nil {
			return nil, err
		}
		if itemTag == TagSequenceDelimitationItem {
			return px, nil
		}
		if itemTag != TagItem {
			return nil, dcmerr.NewMalformedDataSetError(rd.off-8, "item (FFFE,E000) or sequence delimiter (FFFE,E0DD)")
		}
		if itemLen == undefinedLength || itemLen > maxElementLength {
			return nil, dcmerr.NewMalformedDataSetError(rd.off-4, "defined fragment length")
		}
		value, err := rd.read(int(itemLen), "pixel data fragment")
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			// First item is the Basic Offset Table, possibly zero length.
			for i := 0; i+4 <= len(value); i += 4 {
				px.OffsetTable = append(px.OffsetTable, binary.LittleEndian.Uint32(value[i:i+4]))
			}
			continue
		}
		px.Fragments = append(px.Fragments, value)
	}
}

// parseValue decodes a raw value per its VR. The switch is exhaustive over
// the VR enum.
func parseValue(vr VR, data []byte) any {
	switch vr {
	case VRAE, VRAS, VRCS, VRDA, VRDS, VRDT, VRIS, VRLO, VRLT, VRPN,
		VRSH, VRST, VRTM, VRUC, VRUI, VRUR, VRUT:
		return string(data)
	case VRAT:
		out := make([]Tag, 0, len(data)/4)
		for i := 0; i+4 <= len(data); i += 4 {
			out = append(out, Tag{
				Group:   binary.LittleEndian.Uint16(data[i : i+2]),
				Element: binary.LittleEndian.Uint16(data[i+2 : i+4]),
			})
		}
		return out
	case VRUS:
		out := make([]uint16, 0, len(data)/2)
		for i := 0; i+2 <= len(data); i += 2 {
			out = append(out, binary.LittleEndian.Uint16(data[i:i+2]))
		}
		return out
	case VRSS:
		out := make([]int16, 0, len(data)/2)
		for i := 0; i+2 <= len(data); i += 2 {
			out = append(out, int16(binary.LittleEndian.Uint16(data[i:i+2])))
		}
		return out
	case VRUL:
		out := make([]uint32, 0, len(data)/4)
		for i := 0; i+4 <= len(data); i += 4 {
			out = append(out, binary.LittleEndian.Uint32(data[i:i+4]))
		}
		return out
	case VRSL:
		out := make([]int32, 0, len(data)/4)
		for i := 0; i+4 <= len(data); i += 4 {
			out = append(out, int32(binary.LittleEndian.Uint32(data[i:i+4])))
		}
		return out
	case VRUV:
		out := make([]uint64, 0, len(data)/8)
		for i := 0; i+8 <= len(data); i += 8 {
			out = append(out, binary.LittleEndian.Uint64(data[i:i+8]))
		}
		return out
	case VRSV:
		out := make([]int64, 0, len(data)/8)
		for i := 0; i+8 <= len(data); i += 8 {
			out = append(out, int64(binary.LittleEndian.Uint64(data[i:i+8])))
		}
		return out
	case VRFL:
		out := make([]float32, 0, len(data)/4)
		for i := 0; i+4 <= len(data); i += 4 {
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(data[i:i+4])))
		}
		return out
	case VRFD:
		out := make([]float64, 0, len(data)/8)
		for i := 0; i+8 <= len(data); i += 8 {
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(data[i:i+8])))
		}
		return out
	case VROB, VROD, VROF, VROL, VROV, VROW, VRSQ, VRUN:
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func isUpperAlpha(b []byte) bool {
	for _, c := range b {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return len(b) > 0
}
