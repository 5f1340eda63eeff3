package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/halcyonimaging/pacscore/dicom"
	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/metrics"
	"github.com/halcyonimaging/pacscore/types"
)

// seriesLockStripes bounds lock memory: series UIDs hash onto a fixed
// set of mutexes instead of one mutex per series.
const seriesLockStripes = 64

// Invalidator is notified when a series' instance set changes, so cached
// reconstructions built from the old version can be dropped.
type Invalidator interface {
	InvalidateSeries(seriesInstanceUID string)
}

// Indexer turns decoded objects into Patient/Study/Series/Instance
// records plus a pixel blob. Ingest is idempotent: re-sending the same
// object yields the same records and no duplicates.
type Indexer struct {
	repo        Repository
	blobs       *BlobStore
	invalidator Invalidator
	logger      *slog.Logger

	seriesLocks [seriesLockStripes]chan struct{}
}

// NewIndexer creates an indexer. invalidator may be nil.
func NewIndexer(repo Repository, blobs *BlobStore, invalidator Invalidator, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		repo:        repo,
		blobs:       blobs,
		invalidator: invalidator,
		logger:      logger,
	}
	for i := range ix.seriesLocks {
		ix.seriesLocks[i] = make(chan struct{}, 1)
	}
	return ix
}

// SetInvalidator installs the invalidation sink after construction. The
// cache depends on the indexer for versions, so the two are wired in two
// steps.
func (ix *Indexer) SetInvalidator(inv Invalidator) {
	ix.invalidator = inv
}

// lockSeries serializes ingests within a series. Instances of different
// series proceed in parallel. The channel form lets the wait respect
// context cancellation.
func (ix *Indexer) lockSeries(ctx context.Context, seriesUID string) (unlock func(), err error) {
	stripe := ix.seriesLocks[xxhash.Sum64String(seriesUID)%seriesLockStripes]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ingest stores one decoded object for a facility.
func (ix *Indexer) Ingest(ctx context.Context, facilityID string, obj *dicom.Object) error {
	start := time.Now()

	inst, patient, study, err := extractRecords(facilityID, obj)
	if err != nil {
		return err
	}

	unlock, err := ix.lockSeries(ctx, inst.SeriesInstanceUID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := ix.upsertPatient(patient); err != nil {
		return err
	}
	if err := ix.upsertStudy(study); err != nil {
		return err
	}

	payload := pixelPayload(obj)
	if len(payload) > 0 {
		rel, err := ix.blobs.Write(inst.StudyInstanceUID, inst.SeriesInstanceUID, inst.SOPInstanceUID, payload)
		if err != nil {
			return err
		}
		inst.BlobPath = rel
		inst.BlobSize = int64(len(payload))
		metrics.IngestBytes.Add(float64(len(payload)))
	}
	inst.StoredAt = time.Now().UTC()

	seriesNumber := obj.Data.GetInt(dicom.TagSeriesNumber, 0)
	seriesDescription := obj.Data.GetString(dicom.TagSeriesDescription)
	if err := ix.upsertSeries(inst, seriesNumber, seriesDescription); err != nil {
		return err
	}

	_, existed, err := ix.repo.GetInstance(inst.SOPInstanceUID)
	if err != nil {
		return err
	}
	if err := ix.repo.PutInstance(inst); err != nil {
		return err
	}

	if err := ix.refreshSeriesCount(inst.SeriesInstanceUID); err != nil {
		return err
	}

	// Re-sends keep the UID set (and so the version) stable but may carry
	// different pixels, so invalidate on every ingest, not just new UIDs.
	if ix.invalidator != nil {
		ix.invalidator.InvalidateSeries(inst.SeriesInstanceUID)
	}

	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	ix.logger.InfoContext(ctx, "Instance indexed",
		"facility_id", facilityID,
		"sop_instance", inst.SOPInstanceUID,
		"series", inst.SeriesInstanceUID,
		"replaced", existed,
		"blob_bytes", inst.BlobSize)
	return nil
}

// SeriesVersion returns the current version of a series.
func (ix *Indexer) SeriesVersion(seriesInstanceUID string) (types.SeriesVersion, error) {
	instances, err := ix.repo.InstancesBySeries(seriesInstanceUID)
	if err != nil {
		return types.SeriesVersion{}, err
	}
	if len(instances) == 0 {
		return types.SeriesVersion{}, dcmerr.ErrSeriesNotFound
	}
	return VersionFor(seriesInstanceUID, instances), nil
}

// upsertPatient creates the patient if absent; an existing record only
// gets empty fields filled, never overwritten. Modalities disagree about
// demographics often enough that first-write-wins is the sane policy.
func (ix *Indexer) upsertPatient(p types.Patient) error {
	existing, ok, err := ix.repo.GetPatient(p.FacilityID, p.PatientID)
	if err != nil {
		return err
	}
	if !ok {
		return ix.repo.PutPatient(p)
	}
	changed := false
	if existing.Name == "" && p.Name != "" {
		existing.Name = p.Name
		changed = true
	}
	if existing.BirthDate == "" && p.BirthDate != "" {
		existing.BirthDate = p.BirthDate
		changed = true
	}
	if existing.Sex == "" && p.Sex != "" {
		existing.Sex = p.Sex
		changed = true
	}
	if !changed {
		return nil
	}
	return ix.repo.PutPatient(existing)
}

func (ix *Indexer) upsertStudy(s types.Study) error {
	existing, ok, err := ix.repo.GetStudy(s.FacilityID, s.StudyInstanceUID)
	if err != nil {
		return err
	}
	if !ok {
		return ix.repo.PutStudy(s)
	}
	changed := false
	if existing.StudyDate == "" && s.StudyDate != "" {
		existing.StudyDate = s.StudyDate
		changed = true
	}
	if existing.StudyTime == "" && s.StudyTime != "" {
		existing.StudyTime = s.StudyTime
		changed = true
	}
	if existing.AccessionNumber == "" && s.AccessionNumber != "" {
		existing.AccessionNumber = s.AccessionNumber
		changed = true
	}
	if existing.Description == "" && s.Description != "" {
		existing.Description = s.Description
		changed = true
	}
	if !changed {
		return nil
	}
	return ix.repo.PutStudy(existing)
}

// upsertSeries creates the series on first instance. The first
// instance's Rows/Columns/PixelSpacing pin the stacking geometry; a
// later instance that diverges marks the series non-stackable instead of
// failing the ingest.
func (ix *Indexer) upsertSeries(inst types.Instance, seriesNumber int, description string) error {
	existing, ok, err := ix.repo.GetSeries(inst.SeriesInstanceUID)
	if err != nil {
		return err
	}
	if !ok {
		return ix.repo.PutSeries(types.Series{
			SeriesInstanceUID: inst.SeriesInstanceUID,
			StudyInstanceUID:  inst.StudyInstanceUID,
			SeriesNumber:      seriesNumber,
			Modality:          inst.Modality,
			Description:       description,
			Rows:              inst.Rows,
			Columns:           inst.Columns,
			PixelSpacing:      inst.PixelSpacing,
			Stackable:         true,
		})
	}

	diverged := existing.Rows != inst.Rows || existing.Columns != inst.Columns
	if !diverged && inst.PixelSpacing != [2]float64{} && existing.PixelSpacing != [2]float64{} {
		diverged = inst.PixelSpacing != existing.PixelSpacing
	}
	if existing.Stackable && diverged {
		ix.logger.Warn("Series geometry diverged, marking non-stackable",
			"series", inst.SeriesInstanceUID,
			"series_rows", existing.Rows, "series_cols", existing.Columns,
			"series_spacing", existing.PixelSpacing,
			"instance_rows", inst.Rows, "instance_cols", inst.Columns,
			"instance_spacing", inst.PixelSpacing)
		existing.Stackable = false
		return ix.repo.PutSeries(existing)
	}
	return nil
}

func (ix *Indexer) refreshSeriesCount(seriesUID string) error {
	instances, err := ix.repo.InstancesBySeries(seriesUID)
	if err != nil {
		return err
	}
	s, ok, err := ix.repo.GetSeries(seriesUID)
	if err != nil || !ok {
		return err
	}
	if s.InstanceCount == len(instances) {
		return nil
	}
	s.InstanceCount = len(instances)
	return ix.repo.PutSeries(s)
}

// extractRecords pulls the identifying and geometric attributes out of a
// decoded object. The four UIDs plus PatientID are mandatory; anything
// else missing degrades gracefully.
func extractRecords(facilityID string, obj *dicom.Object) (types.Instance, types.Patient, types.Study, error) {
	ds := obj.Data

	sopInstanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	studyUID := ds.GetString(dicom.TagStudyInstanceUID)
	patientID := ds.GetString(dicom.TagPatientID)

	var missing []string
	if sopInstanceUID == "" {
		missing = append(missing, "SOPInstanceUID")
	}
	if sopClassUID == "" {
		missing = append(missing, "SOPClassUID")
	}
	if seriesUID == "" {
		missing = append(missing, "SeriesInstanceUID")
	}
	if studyUID == "" {
		missing = append(missing, "StudyInstanceUID")
	}
	if patientID == "" {
		missing = append(missing, "PatientID")
	}
	if len(missing) > 0 {
		return types.Instance{}, types.Patient{}, types.Study{}, &dcmerr.MissingTagsError{Missing: missing}
	}

	inst := types.Instance{
		SOPInstanceUID:    sopInstanceUID,
		SOPClassUID:       sopClassUID,
		SeriesInstanceUID: seriesUID,
		StudyInstanceUID:  studyUID,
		InstanceNumber:    ds.GetInt(dicom.TagInstanceNumber, 0),
		TransferSyntaxUID: obj.TransferSyntaxUID,

		Rows:                      ds.GetInt(dicom.TagRows, 0),
		Columns:                   ds.GetInt(dicom.TagColumns, 0),
		NumberOfFrames:            ds.GetInt(dicom.TagNumberOfFrames, 1),
		BitsAllocated:             ds.GetInt(dicom.TagBitsAllocated, 16),
		BitsStored:                ds.GetInt(dicom.TagBitsStored, 16),
		PixelRepresentation:       ds.GetInt(dicom.TagPixelRepresentation, 0),
		SamplesPerPixel:           ds.GetInt(dicom.TagSamplesPerPixel, 1),
		PhotometricInterpretation: ds.GetString(dicom.TagPhotometricInterpretation),
		SliceThickness:            ds.GetFloat(dicom.TagSliceThickness, 0),

		RescaleSlope:     ds.GetFloat(dicom.TagRescaleSlope, 1),
		RescaleIntercept: ds.GetFloat(dicom.TagRescaleIntercept, 0),

		Modality: ds.GetString(dicom.TagModality),
	}

	if spacing := ds.GetFloats(dicom.TagPixelSpacing); len(spacing) >= 2 {
		inst.PixelSpacing = [2]float64{spacing[0], spacing[1]}
	}
	if pos := ds.GetFloats(dicom.TagImagePositionPatient); len(pos) == 3 {
		inst.ImagePositionPatient = pos
	}
	if orient := ds.GetFloats(dicom.TagImageOrientationPatient); len(orient) == 6 {
		inst.ImageOrientationPatient = orient
	}
	if wc := ds.GetFloats(dicom.TagWindowCenter); len(wc) > 0 {
		inst.WindowCenter = &wc[0]
	}
	if ww := ds.GetFloats(dicom.TagWindowWidth); len(ww) > 0 {
		inst.WindowWidth = &ww[0]
	}
	if obj.PixelData != nil {
		inst.EncapsulatedPixelData = obj.PixelData.Encapsulated
	}

	patient := types.Patient{
		FacilityID: facilityID,
		PatientID:  patientID,
		Name:       ds.GetString(dicom.TagPatientName),
		BirthDate:  ds.GetString(dicom.TagPatientBirthDate),
		Sex:        ds.GetString(dicom.TagPatientSex),
	}

	study := types.Study{
		FacilityID:       facilityID,
		StudyInstanceUID: studyUID,
		PatientID:        patientID,
		StudyID:          ds.GetString(dicom.TagStudyID),
		StudyDate:        ds.GetString(dicom.TagStudyDate),
		StudyTime:        ds.GetString(dicom.TagStudyTime),
		AccessionNumber:  ds.GetString(dicom.TagAccessionNumber),
		Description:      ds.GetString(dicom.TagStudyDescription),
	}

	return inst, patient, study, nil
}

// pixelPayload flattens the object's pixel data for blob storage. Native
// payloads are stored as-is; encapsulated payloads as the concatenation
// of their fragments (single-frame baseline JPEG in practice).
func pixelPayload(obj *dicom.Object) []byte {
	if obj.PixelData == nil {
		return nil
	}
	if !obj.PixelData.Encapsulated {
		return obj.PixelData.Native
	}
	var total int
	for _, f := range obj.PixelData.Fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range obj.PixelData.Fragments {
		out = append(out, f...)
	}
	return out
}

// Repo exposes the underlying repository for read paths.
func (ix *Indexer) Repo() Repository { return ix.repo }

// Blobs exposes the blob store for read paths.
func (ix *Indexer) Blobs() *BlobStore { return ix.blobs }
