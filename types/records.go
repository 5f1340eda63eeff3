package types

import "time"

// Facility is an institution registered to push objects to the SCP. One
// facility owns one AE title; the admin subsystem creates and edits these,
// the core only reads them.
type Facility struct {
	ID      string `json:"id"`
	AETitle string `json:"ae_title"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
}

// Patient is keyed by the institution-scoped patient identifier. Created on
// the first instance that references it; the core never deletes patients.
type Patient struct {
	FacilityID string `json:"facility_id"`
	PatientID  string `json:"patient_id"`
	Name       string `json:"name"`
	BirthDate  string `json:"birth_date"`
	Sex        string `json:"sex"`
}

// Study is one imaging encounter, unique by (facility, StudyInstanceUID).
type Study struct {
	FacilityID       string `json:"facility_id"`
	StudyInstanceUID string `json:"study_instance_uid"`
	PatientID        string `json:"patient_id"`
	StudyID          string `json:"study_id"`
	StudyDate        string `json:"study_date"`
	StudyTime        string `json:"study_time"`
	AccessionNumber  string `json:"accession_number"`
	Description      string `json:"description"`
}

// Series groups instances sharing a SeriesInstanceUID. Rows/Columns/
// PixelSpacing of the first instance pin the stacking geometry; later
// instances that diverge mark the series non-stackable instead of failing
// ingestion.
type Series struct {
	SeriesInstanceUID string     `json:"series_instance_uid"`
	StudyInstanceUID  string     `json:"study_instance_uid"`
	SeriesNumber      int        `json:"series_number"`
	Modality          string     `json:"modality"`
	Description       string     `json:"description"`
	Rows              int        `json:"rows"`
	Columns           int        `json:"columns"`
	PixelSpacing      [2]float64 `json:"pixel_spacing"`
	Stackable         bool       `json:"stackable"`
	InstanceCount     int        `json:"instance_count"`
}

// SeriesVersion identifies the exact instance set a derived artifact (a
// cached volume) was built from. Any ingest into the series changes it.
type SeriesVersion struct {
	SeriesInstanceUID string `json:"series_instance_uid"`
	InstanceCount     int    `json:"instance_count"`
	Checksum          uint64 `json:"checksum"`
}

// Instance is one stored image object. Immutable once stored; re-sending
// the same SOPInstanceUID overwrites in place.
type Instance struct {
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SOPClassUID       string `json:"sop_class_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	InstanceNumber    int    `json:"instance_number"`
	TransferSyntaxUID string `json:"transfer_syntax_uid"`

	// Pixel geometry
	Rows                      int        `json:"rows"`
	Columns                   int        `json:"columns"`
	NumberOfFrames            int        `json:"number_of_frames"`
	BitsAllocated             int        `json:"bits_allocated"`
	BitsStored                int        `json:"bits_stored"`
	PixelRepresentation       int        `json:"pixel_representation"`
	SamplesPerPixel           int        `json:"samples_per_pixel"`
	PhotometricInterpretation string     `json:"photometric_interpretation"`
	PixelSpacing              [2]float64 `json:"pixel_spacing"`
	SliceThickness            float64    `json:"slice_thickness"`

	// Rescale transform from stored values to output units (HU for CT)
	RescaleSlope     float64 `json:"rescale_slope"`
	RescaleIntercept float64 `json:"rescale_intercept"`

	// Spatial position, used for volume ordering
	ImagePositionPatient    []float64 `json:"image_position_patient,omitempty"`
	ImageOrientationPatient []float64 `json:"image_orientation_patient,omitempty"`

	// Tag-carried display defaults, possibly absent
	WindowCenter *float64 `json:"window_center,omitempty"`
	WindowWidth  *float64 `json:"window_width,omitempty"`

	Modality string `json:"modality"`

	// BlobPath references the raw pixel payload on blob storage, relative
	// to the store root.
	BlobPath              string    `json:"blob_path"`
	BlobSize              int64     `json:"blob_size"`
	EncapsulatedPixelData bool      `json:"encapsulated_pixel_data"`
	StoredAt              time.Time `json:"stored_at"`
}

// Signed reports whether stored pixel values are two's-complement.
func (i *Instance) Signed() bool {
	return i.PixelRepresentation == 1
}

// FrameLength returns the byte length of one native (uncompressed) frame.
func (i *Instance) FrameLength() int {
	samples := i.SamplesPerPixel
	if samples == 0 {
		samples = 1
	}
	return i.Rows * i.Columns * samples * (i.BitsAllocated / 8)
}
