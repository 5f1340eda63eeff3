package index

import (
	"sync"

	"github.com/halcyonimaging/pacscore/types"
)

// MemStore is an in-memory Repository for tests and single-run tools.
type MemStore struct {
	mu        sync.RWMutex
	patients  map[string]types.Patient  // facilityID + "/" + patientID
	studies   map[string]types.Study    // facilityID + "/" + studyUID
	series    map[string]types.Series   // seriesUID
	instances map[string]types.Instance // sopUID

	// seriesInstances indexes SOP instance UIDs by series for listing.
	seriesInstances map[string]map[string]struct{}
}

// NewMemStore creates an empty in-memory repository.
func NewMemStore() *MemStore {
	return &MemStore{
		patients:        make(map[string]types.Patient),
		studies:         make(map[string]types.Study),
		series:          make(map[string]types.Series),
		instances:       make(map[string]types.Instance),
		seriesInstances: make(map[string]map[string]struct{}),
	}
}

func (m *MemStore) GetPatient(facilityID, patientID string) (types.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[facilityID+"/"+patientID]
	return p, ok, nil
}

func (m *MemStore) PutPatient(p types.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.FacilityID+"/"+p.PatientID] = p
	return nil
}

func (m *MemStore) GetStudy(facilityID, studyInstanceUID string) (types.Study, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.studies[facilityID+"/"+studyInstanceUID]
	return s, ok, nil
}

func (m *MemStore) PutStudy(s types.Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.studies[s.FacilityID+"/"+s.StudyInstanceUID] = s
	return nil
}

func (m *MemStore) GetSeries(seriesInstanceUID string) (types.Series, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[seriesInstanceUID]
	return s, ok, nil
}

func (m *MemStore) PutSeries(s types.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.SeriesInstanceUID] = s
	return nil
}

func (m *MemStore) GetInstance(sopInstanceUID string) (types.Instance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.instances[sopInstanceUID]
	return i, ok, nil
}

func (m *MemStore) PutInstance(i types.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[i.SOPInstanceUID] = i
	set, ok := m.seriesInstances[i.SeriesInstanceUID]
	if !ok {
		set = make(map[string]struct{})
		m.seriesInstances[i.SeriesInstanceUID] = set
	}
	set[i.SOPInstanceUID] = struct{}{}
	return nil
}

func (m *MemStore) InstancesBySeries(seriesInstanceUID string) ([]types.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.seriesInstances[seriesInstanceUID]
	out := make([]types.Instance, 0, len(set))
	for uid := range set {
		out = append(out, m.instances[uid])
	}
	return out, nil
}

func (m *MemStore) SeriesByStudy(studyInstanceUID string) ([]types.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Series
	for _, s := range m.series {
		if s.StudyInstanceUID == studyInstanceUID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }
