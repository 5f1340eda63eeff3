// Package index persists the Patient/Study/Series/Instance hierarchy and
// the pixel payloads behind it. Metadata lives in a key-value repository,
// pixels in content-addressed blob storage.
package index

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/halcyonimaging/pacscore/types"
)

// Repository is the metadata store behind the indexer. Implementations
// must make each Put atomic; cross-record consistency is the indexer's
// job via per-series locking.
type Repository interface {
	GetPatient(facilityID, patientID string) (types.Patient, bool, error)
	PutPatient(p types.Patient) error

	GetStudy(facilityID, studyInstanceUID string) (types.Study, bool, error)
	PutStudy(s types.Study) error

	GetSeries(seriesInstanceUID string) (types.Series, bool, error)
	PutSeries(s types.Series) error

	GetInstance(sopInstanceUID string) (types.Instance, bool, error)
	PutInstance(i types.Instance) error

	// InstancesBySeries returns every instance of the series, in no
	// particular order.
	InstancesBySeries(seriesInstanceUID string) ([]types.Instance, error)

	// SeriesByStudy returns every series of the study.
	SeriesByStudy(studyInstanceUID string) ([]types.Series, error)

	Close() error
}

// VersionFor derives the series version from its current instance set.
// The checksum hashes the sorted SOP instance UIDs, so any add, replace
// or re-send that changes the set changes the version.
func VersionFor(seriesInstanceUID string, instances []types.Instance) types.SeriesVersion {
	uids := make([]string, 0, len(instances))
	for _, inst := range instances {
		uids = append(uids, inst.SOPInstanceUID)
	}
	sort.Strings(uids)

	h := xxhash.New()
	for _, uid := range uids {
		h.WriteString(uid)
		h.Write([]byte{0})
	}
	return types.SeriesVersion{
		SeriesInstanceUID: seriesInstanceUID,
		InstanceCount:     len(uids),
		Checksum:          h.Sum64(),
	}
}
