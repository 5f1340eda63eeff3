package dicom

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/halcyonimaging/pacscore/types"
)

func TestEncodeFileRoundTrip(t *testing.T) {
	pixels := make([]byte, 4*4*2)
	for i := range pixels {
		pixels[i] = byte(i)
	}

	ds := NewDataset()
	ds.Add(TagSOPClassUID, VRUI, types.CTImageStorage)
	ds.Add(TagSOPInstanceUID, VRUI, "1.2.840.99.1")
	ds.Add(TagModality, VRCS, "CT")
	ds.Add(TagRows, VRUS, []uint16{4})
	ds.Add(TagColumns, VRUS, []uint16{4})
	ds.Add(TagBitsAllocated, VRUS, []uint16{16})

	obj := &Object{
		Data:              ds,
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
		PixelData:         &PixelData{Native: pixels},
	}

	fileBytes, err := EncodeFile(obj)
	if err != nil {
		t.Fatalf("EncodeFile failed: %v", err)
	}

	decoded, err := DecodeFile(bytes.NewReader(fileBytes))
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if got := decoded.TransferSyntaxUID; got != types.ExplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q, want explicit VR little endian", got)
	}
	if got := decoded.Meta.GetString(TagMediaStorageSOPInstanceUID); got != "1.2.840.99.1" {
		t.Errorf("media storage SOP instance UID = %q, want %q", got, "1.2.840.99.1")
	}
	if got := decoded.Data.GetString(TagSOPClassUID); got != types.CTImageStorage {
		t.Errorf("SOP class UID = %q, want %q", got, types.CTImageStorage)
	}
	if decoded.PixelData == nil || !bytes.Equal(decoded.PixelData.Native, pixels) {
		t.Error("pixel data did not survive the round trip")
	}
}

func TestEncodePadsOddValues(t *testing.T) {
	ds := NewDataset()
	ds.Add(TagSOPInstanceUID, VRUI, "1.2.3")

	encoded, err := ds.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// tag(4) + VR(2) + length(2) + padded value(6)
	if len(encoded) != 14 {
		t.Fatalf("encoded length = %d, want 14", len(encoded))
	}
	if l := binary.LittleEndian.Uint16(encoded[6:8]); l != 6 {
		t.Errorf("declared length = %d, want 6", l)
	}
	if encoded[13] != 0x00 {
		t.Errorf("UI pad byte = 0x%02x, want 0x00", encoded[13])
	}

	obj, err := DecodeDataSet(bytes.NewReader(encoded), types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("DecodeDataSet failed: %v", err)
	}
	if got := obj.Data.GetString(TagSOPInstanceUID); got != "1.2.3" {
		t.Errorf("decoded UID = %q, padding not trimmed", got)
	}
}

func TestEncodeRejectsOverlongShortVR(t *testing.T) {
	ds := NewDataset()
	ds.Add(TagSOPInstanceUID, VRUI, strings.Repeat("1", 0x10000))

	if _, err := ds.Encode(types.ExplicitVRLittleEndian); err == nil {
		t.Fatal("expected error for value exceeding 16-bit length field")
	}
}

func TestEncodeRejectsMismatchedValueType(t *testing.T) {
	ds := NewDataset()
	ds.Add(TagRows, VRUS, "512")

	if _, err := ds.Encode(types.ExplicitVRLittleEndian); err == nil {
		t.Fatal("expected error for string value on US element")
	}
}

func TestEncodePixelDataHeaders(t *testing.T) {
	pixels := []byte{0x01, 0x02, 0x03}

	out := EncodePixelData(nil, pixels, 16, types.ExplicitVRLittleEndian)
	// tag(4) + VR(2) + reserved(2) + length(4) + padded value(4)
	if len(out) != 16 {
		t.Fatalf("encoded length = %d, want 16", len(out))
	}
	if string(out[4:6]) != "OW" {
		t.Errorf("VR = %q, want OW for 16-bit data", out[4:6])
	}
	if l := binary.LittleEndian.Uint32(out[8:12]); l != 4 {
		t.Errorf("declared length = %d, want padded 4", l)
	}

	out = EncodePixelData(nil, pixels, 8, types.ImplicitVRLittleEndian)
	// tag(4) + length(4) + padded value(4)
	if len(out) != 12 {
		t.Fatalf("implicit encoded length = %d, want 12", len(out))
	}
}
