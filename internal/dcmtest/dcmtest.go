// Package dcmtest builds synthetic DICOM objects for tests: complete CT
// slices with known geometry and pixel values.
package dcmtest

import (
	"encoding/binary"
	"fmt"

	"github.com/halcyonimaging/pacscore/dicom"
	"github.com/halcyonimaging/pacscore/types"
)

// SliceSpec parameterizes a synthetic CT slice.
type SliceSpec struct {
	PatientID      string
	PatientName    string
	StudyUID       string
	SeriesUID      string
	SOPInstanceUID string
	InstanceNumber int
	Rows           int
	Columns        int

	// PositionZ is the Z component of ImagePositionPatient; X and Y are 0.
	PositionZ float64

	// PixelSpacing defaults to 1.0mm when zero.
	PixelSpacing float64

	// Value fills every pixel with a constant stored value when ValueAt is
	// nil.
	Value   int16
	ValueAt func(row, col int) int16

	// RescaleIntercept defaults to -1024 (typical CT). Slope is 1.
	RescaleIntercept *float64
}

// CTSlice builds a complete CT image object in memory.
func CTSlice(spec SliceSpec) *dicom.Object {
	if spec.Rows == 0 {
		spec.Rows = 16
	}
	if spec.Columns == 0 {
		spec.Columns = 16
	}
	if spec.PixelSpacing == 0 {
		spec.PixelSpacing = 1.0
	}
	intercept := -1024.0
	if spec.RescaleIntercept != nil {
		intercept = *spec.RescaleIntercept
	}
	if spec.PatientID == "" {
		spec.PatientID = "PAT001"
	}
	if spec.PatientName == "" {
		spec.PatientName = "DOE^JANE"
	}

	ds := dicom.NewDataset()
	addStr := func(tag dicom.Tag, vr dicom.VR, v string) {
		ds.Add(tag, vr, v)
	}

	addStr(dicom.TagSOPClassUID, dicom.VRUI, types.CTImageStorage)
	addStr(dicom.TagSOPInstanceUID, dicom.VRUI, spec.SOPInstanceUID)
	addStr(dicom.TagStudyDate, dicom.VRDA, "20260301")
	addStr(dicom.TagModality, dicom.VRCS, "CT")
	addStr(dicom.TagPatientName, dicom.VRPN, spec.PatientName)
	addStr(dicom.TagPatientID, dicom.VRLO, spec.PatientID)
	addStr(dicom.TagStudyInstanceUID, dicom.VRUI, spec.StudyUID)
	addStr(dicom.TagSeriesInstanceUID, dicom.VRUI, spec.SeriesUID)
	addStr(dicom.TagInstanceNumber, dicom.VRIS, fmt.Sprintf("%d", spec.InstanceNumber))
	addStr(dicom.TagImagePositionPatient, dicom.VRDS, fmt.Sprintf("0\\0\\%g", spec.PositionZ))
	addStr(dicom.TagImageOrientationPatient, dicom.VRDS, "1\\0\\0\\0\\1\\0")
	addStr(dicom.TagPhotometricInterpretation, dicom.VRCS, "MONOCHROME2")
	addStr(dicom.TagPixelSpacing, dicom.VRDS, fmt.Sprintf("%g\\%g", spec.PixelSpacing, spec.PixelSpacing))
	addStr(dicom.TagRescaleIntercept, dicom.VRDS, fmt.Sprintf("%g", intercept))
	addStr(dicom.TagRescaleSlope, dicom.VRDS, "1")
	addStr(dicom.TagSliceThickness, dicom.VRDS, "1")

	ds.Add(dicom.TagSamplesPerPixel, dicom.VRUS, []uint16{1})
	ds.Add(dicom.TagRows, dicom.VRUS, []uint16{uint16(spec.Rows)})
	ds.Add(dicom.TagColumns, dicom.VRUS, []uint16{uint16(spec.Columns)})
	ds.Add(dicom.TagBitsAllocated, dicom.VRUS, []uint16{16})
	ds.Add(dicom.TagBitsStored, dicom.VRUS, []uint16{16})
	ds.Add(dicom.TagHighBit, dicom.VRUS, []uint16{15})
	ds.Add(dicom.TagPixelRepresentation, dicom.VRUS, []uint16{1})

	pixels := make([]byte, spec.Rows*spec.Columns*2)
	for r := 0; r < spec.Rows; r++ {
		for c := 0; c < spec.Columns; c++ {
			v := spec.Value
			if spec.ValueAt != nil {
				v = spec.ValueAt(r, c)
			}
			binary.LittleEndian.PutUint16(pixels[(r*spec.Columns+c)*2:], uint16(v))
		}
	}

	return &dicom.Object{
		Data:              ds,
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
		PixelData:         &dicom.PixelData{Native: pixels},
	}
}

// StoredValueForHU converts a target output value to the stored value
// given the slice's intercept (slope 1).
func StoredValueForHU(hu float64, intercept float64) int16 {
	return int16(hu - intercept)
}
