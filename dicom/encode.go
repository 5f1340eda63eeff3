package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/halcyonimaging/pacscore/types"
)

// ImplementationClassUID identifies this implementation in file meta
// groups it writes.
const ImplementationClassUID = "1.2.826.0.1.3680043.10.1511.1"

// Encode serializes the dataset in the given transfer syntax, ascending
// tag order, values padded to even length. Pixel data is not part of the
// element map; append it with EncodePixelData.
func (d *Dataset) Encode(transferSyntaxUID string) ([]byte, error) {
	explicit := types.IsExplicitVR(transferSyntaxUID)
	var buf bytes.Buffer
	for _, tag := range d.SortedTags() {
		if err := encodeElement(&buf, d.Elements[tag], explicit); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeElement(buf *bytes.Buffer, el *Element, explicit bool) error {
	value, err := encodeValue(el)
	if err != nil {
		return err
	}
	if len(value)%2 == 1 {
		value = append(value, el.VR.padByte())
	}

	var tag [4]byte
	binary.LittleEndian.PutUint16(tag[0:2], el.Tag.Group)
	binary.LittleEndian.PutUint16(tag[2:4], el.Tag.Element)
	buf.Write(tag[:])

	length := uint32(len(value))
	if el.Undefined {
		length = undefinedLength
	}

	if explicit {
		buf.WriteString(el.VR.String())
		if el.VR.LongHeader() {
			buf.Write([]byte{0x00, 0x00})
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], length)
			buf.Write(l[:])
		} else {
			if len(value) > 0xFFFF {
				return fmt.Errorf("dicom: %s value too long for short VR %s: %d bytes", el.Tag, el.VR, len(value))
			}
			var l [2]byte
			binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
			buf.Write(l[:])
		}
	} else {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], length)
		buf.Write(l[:])
	}

	buf.Write(value)
	return nil
}

// encodeValue serializes an element value per its VR. Exhaustive over the
// VR enum; the value's Go type must match what decode produces.
func encodeValue(el *Element) ([]byte, error) {
	switch el.VR {
	case VRAE, VRAS, VRCS, VRDA, VRDS, VRDT, VRIS, VRLO, VRLT, VRPN,
		VRSH, VRST, VRTM, VRUC, VRUI, VRUR, VRUT:
		s, ok := el.Value.(string)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: string value required for VR %s", el.Tag, el.VR)
		}
		return []byte(s), nil
	case VRAT:
		tags, ok := el.Value.([]Tag)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []Tag value required for VR AT", el.Tag)
		}
		out := make([]byte, 0, len(tags)*4)
		for _, t := range tags {
			var b [4]byte
			binary.LittleEndian.PutUint16(b[0:2], t.Group)
			binary.LittleEndian.PutUint16(b[2:4], t.Element)
			out = append(out, b[:]...)
		}
		return out, nil
	case VRUS:
		return encodeUint16s(el)
	case VRSS:
		vals, ok := el.Value.([]int16)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []int16 value required for VR SS", el.Tag)
		}
		out := make([]byte, 0, len(vals)*2)
		for _, v := range vals {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(v))
			out = append(out, b[:]...)
		}
		return out, nil
	case VRUL:
		vals, ok := el.Value.([]uint32)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []uint32 value required for VR UL", el.Tag)
		}
		out := make([]byte, 0, len(vals)*4)
		for _, v := range vals {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], v)
			out = append(out, b[:]...)
		}
		return out, nil
	case VRSL:
		vals, ok := el.Value.([]int32)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []int32 value required for VR SL", el.Tag)
		}
		out := make([]byte, 0, len(vals)*4)
		for _, v := range vals {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(v))
			out = append(out, b[:]...)
		}
		return out, nil
	case VRUV:
		vals, ok := el.Value.([]uint64)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []uint64 value required for VR UV", el.Tag)
		}
		out := make([]byte, 0, len(vals)*8)
		for _, v := range vals {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], v)
			out = append(out, b[:]...)
		}
		return out, nil
	case VRSV:
		vals, ok := el.Value.([]int64)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []int64 value required for VR SV", el.Tag)
		}
		out := make([]byte, 0, len(vals)*8)
		for _, v := range vals {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v))
			out = append(out, b[:]...)
		}
		return out, nil
	case VRFL:
		vals, ok := el.Value.([]float32)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []float32 value required for VR FL", el.Tag)
		}
		out := make([]byte, 0, len(vals)*4)
		for _, v := range vals {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			out = append(out, b[:]...)
		}
		return out, nil
	case VRFD:
		vals, ok := el.Value.([]float64)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []float64 value required for VR FD", el.Tag)
		}
		out := make([]byte, 0, len(vals)*8)
		for _, v := range vals {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			out = append(out, b[:]...)
		}
		return out, nil
	case VROB, VROD, VROF, VROL, VROV, VROW, VRSQ, VRUN:
		raw, ok := el.Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("dicom: %s: []byte value required for VR %s", el.Tag, el.VR)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("dicom: %s: unhandled VR %s", el.Tag, el.VR)
}

func encodeUint16s(el *Element) ([]byte, error) {
	vals, ok := el.Value.([]uint16)
	if !ok {
		return nil, fmt.Errorf("dicom: %s: []uint16 value required for VR US", el.Tag)
	}
	out := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		out = append(out, b[:]...)
	}
	return out, nil
}

// EncodePixelData appends a native pixel data element to an encoded data
// set. 16-bit data uses OW, 8-bit OB; explicit VR only differs in the
// header.
func EncodePixelData(encoded []byte, pixels []byte, bitsAllocated int, transferSyntaxUID string) []byte {
	vr := VROW
	if bitsAllocated <= 8 {
		vr = VROB
	}
	var buf bytes.Buffer
	buf.Write(encoded)

	var tag [4]byte
	binary.LittleEndian.PutUint16(tag[0:2], TagPixelData.Group)
	binary.LittleEndian.PutUint16(tag[2:4], TagPixelData.Element)
	buf.Write(tag[:])

	value := pixels
	if len(value)%2 == 1 {
		value = append(append([]byte{}, value...), 0x00)
	}

	if types.IsExplicitVR(transferSyntaxUID) {
		buf.WriteString(vr.String())
		buf.Write([]byte{0x00, 0x00})
	}
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
	buf.Write(l[:])
	buf.Write(value)
	return buf.Bytes()
}

// EncodeFile writes a complete Part 10 stream for the object: preamble,
// DICM marker, a minimal explicit-VR meta group, then the data set in the
// object's transfer syntax.
func EncodeFile(obj *Object) ([]byte, error) {
	ts := obj.TransferSyntaxUID
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}

	meta := NewDataset()
	meta.Add(TagMediaStorageSOPClassUID, VRUI, obj.Data.GetString(TagSOPClassUID))
	meta.Add(TagMediaStorageSOPInstanceUID, VRUI, obj.Data.GetString(TagSOPInstanceUID))
	meta.Add(TagTransferSyntaxUID, VRUI, ts)
	meta.Add(TagImplementationClassUID, VRUI, ImplementationClassUID)
	metaBytes, err := meta.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}

	body, err := obj.Data.Encode(ts)
	if err != nil {
		return nil, err
	}
	if obj.PixelData != nil && !obj.PixelData.Encapsulated {
		bits := obj.Data.GetInt(TagBitsAllocated, 16)
		body = EncodePixelData(body, obj.PixelData.Native, bits, ts)
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")

	// Group length element precedes the rest of the meta group.
	groupLen := NewDataset()
	groupLen.Add(TagFileMetaGroupLength, VRUL, []uint32{uint32(len(metaBytes))})
	glBytes, err := groupLen.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	buf.Write(glBytes)
	buf.Write(metaBytes)
	buf.Write(body)
	return buf.Bytes(), nil
}
