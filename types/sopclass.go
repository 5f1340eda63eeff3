package types

import "strings"

// DICOM Application Context UID
// The Application Context defines the DICOM application-level message exchange rules.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification Service
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage Service - Image Storage SOP Classes accepted by the SCP.
// DICOM Part 4, Annex B.
const (
	ComputedRadiographyImageStorage = "1.2.840.10008.5.1.4.1.1.1"

	DigitalXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.1.1.1"

	CTImageStorage         = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage = "1.2.840.10008.5.1.4.1.1.2.1"

	MRImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage = "1.2.840.10008.5.1.4.1.1.4.1"

	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"
	UltrasoundMultiFrameImageStorage = "1.2.840.10008.5.1.4.1.1.3.1"

	SecondaryCaptureImageStorage                        = "1.2.840.10008.5.1.4.1.1.7"
	MultiFrameGrayscaleByteSecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7.1"
	MultiFrameGrayscaleWordSecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7.2"

	XRayAngiographicImageStorage      = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage = "1.2.840.10008.5.1.4.1.1.12.2"

	NuclearMedicineImageStorage = "1.2.840.10008.5.1.4.1.1.20"

	PETImageStorage         = "1.2.840.10008.5.1.4.1.1.128"
	EnhancedPETImageStorage = "1.2.840.10008.5.1.4.1.1.130"
)

// storageSOPClasses indexes the storage SOP classes with their usual modality
// code, so negotiation and the indexer share one table.
var storageSOPClasses = map[string]string{
	ComputedRadiographyImageStorage:                     "CR",
	DigitalXRayImageStorageForPresentation:              "DX",
	DigitalXRayImageStorageForProcessing:                "DX",
	CTImageStorage:                                      "CT",
	EnhancedCTImageStorage:                              "CT",
	MRImageStorage:                                      "MR",
	EnhancedMRImageStorage:                              "MR",
	UltrasoundImageStorage:                              "US",
	UltrasoundMultiFrameImageStorage:                    "US",
	SecondaryCaptureImageStorage:                        "OT",
	MultiFrameGrayscaleByteSecondaryCaptureImageStorage: "OT",
	MultiFrameGrayscaleWordSecondaryCaptureImageStorage: "OT",
	XRayAngiographicImageStorage:                        "XA",
	XRayRadiofluoroscopicImageStorage:                   "RF",
	NuclearMedicineImageStorage:                         "NM",
	PETImageStorage:                                     "PT",
	EnhancedPETImageStorage:                             "PT",
}

// IsStorageSOPClass reports whether the UID identifies an image storage SOP
// class the SCP will accept for C-STORE. Unlisted UIDs under the image
// storage root are accepted too: unknown objects are preserved, not rejected.
func IsStorageSOPClass(uid string) bool {
	if _, ok := storageSOPClasses[uid]; ok {
		return true
	}
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}

// ModalityForSOPClass returns the conventional modality code for a storage
// SOP class, or "" when the class is not in the table.
func ModalityForSOPClass(uid string) string {
	return storageSOPClasses[uid]
}
