package dicom

import "fmt"

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags by group, then element, the order DICOM requires in an
// encoded data set.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Tags the core reads or writes by name.
var (
	// File Meta Information (group 0002)
	TagFileMetaGroupLength        = Tag{0x0002, 0x0000}
	TagMediaStorageSOPClassUID    = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID          = Tag{0x0002, 0x0010}
	TagImplementationClassUID     = Tag{0x0002, 0x0012}

	TagSOPClassUID       = Tag{0x0008, 0x0016}
	TagSOPInstanceUID    = Tag{0x0008, 0x0018}
	TagStudyDate         = Tag{0x0008, 0x0020}
	TagStudyTime         = Tag{0x0008, 0x0030}
	TagAccessionNumber   = Tag{0x0008, 0x0050}
	TagModality          = Tag{0x0008, 0x0060}
	TagStudyDescription  = Tag{0x0008, 0x1030}
	TagSeriesDescription = Tag{0x0008, 0x103E}

	TagPatientName      = Tag{0x0010, 0x0010}
	TagPatientID        = Tag{0x0010, 0x0020}
	TagPatientBirthDate = Tag{0x0010, 0x0030}
	TagPatientSex       = Tag{0x0010, 0x0040}

	TagSliceThickness       = Tag{0x0018, 0x0050}
	TagSpacingBetweenSlices = Tag{0x0018, 0x0088}

	TagStudyInstanceUID        = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID       = Tag{0x0020, 0x000E}
	TagStudyID                 = Tag{0x0020, 0x0010}
	TagSeriesNumber            = Tag{0x0020, 0x0011}
	TagInstanceNumber          = Tag{0x0020, 0x0013}
	TagImagePositionPatient    = Tag{0x0020, 0x0032}
	TagImageOrientationPatient = Tag{0x0020, 0x0037}
	TagSliceLocation           = Tag{0x0020, 0x1041}

	TagSamplesPerPixel           = Tag{0x0028, 0x0002}
	TagPhotometricInterpretation = Tag{0x0028, 0x0004}
	TagNumberOfFrames            = Tag{0x0028, 0x0008}
	TagRows                      = Tag{0x0028, 0x0010}
	TagColumns                   = Tag{0x0028, 0x0011}
	TagPixelSpacing              = Tag{0x0028, 0x0030}
	TagBitsAllocated             = Tag{0x0028, 0x0100}
	TagBitsStored                = Tag{0x0028, 0x0101}
	TagHighBit                   = Tag{0x0028, 0x0102}
	TagPixelRepresentation       = Tag{0x0028, 0x0103}
	TagWindowCenter              = Tag{0x0028, 0x1050}
	TagWindowWidth               = Tag{0x0028, 0x1051}
	TagRescaleIntercept          = Tag{0x0028, 0x1052}
	TagRescaleSlope              = Tag{0x0028, 0x1053}

	TagPixelData = Tag{0x7FE0, 0x0010}

	// Item framing for sequences and encapsulated pixel data
	TagItem                     = Tag{0xFFFE, 0xE000}
	TagItemDelimitationItem     = Tag{0xFFFE, 0xE00D}
	TagSequenceDelimitationItem = Tag{0xFFFE, 0xE0DD}
)

// dictVR is the implicit-VR dictionary for the tags the core understands.
// Anything else decodes as UN and is preserved opaquely.
var dictVR = map[Tag]VR{
	TagFileMetaGroupLength:        VRUL,
	TagMediaStorageSOPClassUID:    VRUI,
	TagMediaStorageSOPInstanceUID: VRUI,
	TagTransferSyntaxUID:          VRUI,
	TagImplementationClassUID:     VRUI,

	TagSOPClassUID:       VRUI,
	TagSOPInstanceUID:    VRUI,
	TagStudyDate:         VRDA,
	TagStudyTime:         VRTM,
	TagAccessionNumber:   VRSH,
	TagModality:          VRCS,
	TagStudyDescription:  VRLO,
	TagSeriesDescription: VRLO,

	TagPatientName:      VRPN,
	TagPatientID:        VRLO,
	TagPatientBirthDate: VRDA,
	TagPatientSex:       VRCS,

	TagSliceThickness:       VRDS,
	TagSpacingBetweenSlices: VRDS,

	TagStudyInstanceUID:        VRUI,
	TagSeriesInstanceUID:       VRUI,
	TagStudyID:                 VRSH,
	TagSeriesNumber:            VRIS,
	TagInstanceNumber:          VRIS,
	TagImagePositionPatient:    VRDS,
	TagImageOrientationPatient: VRDS,
	TagSliceLocation:           VRDS,

	TagSamplesPerPixel:           VRUS,
	TagPhotometricInterpretation: VRCS,
	TagNumberOfFrames:            VRIS,
	TagRows:                      VRUS,
	TagColumns:                   VRUS,
	TagPixelSpacing:              VRDS,
	TagBitsAllocated:             VRUS,
	TagBitsStored:                VRUS,
	TagHighBit:                   VRUS,
	TagPixelRepresentation:       VRUS,
	TagWindowCenter:              VRDS,
	TagWindowWidth:               VRDS,
	TagRescaleIntercept:          VRDS,
	TagRescaleSlope:              VRDS,

	TagPixelData: VROW,
}

// DictVR returns the dictionary VR for a tag under Implicit VR encoding.
func DictVR(tag Tag) VR {
	if vr, ok := dictVR[tag]; ok {
		return vr
	}
	return VRUN
}
