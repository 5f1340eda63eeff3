package index

import (
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/halcyonimaging/pacscore/types"
)

// Key layout. Instance records are additionally indexed under their
// series so InstancesBySeries is a prefix scan.
const (
	prefixPatient   = "pat/"  // pat/<facility>/<patientID>
	prefixStudy     = "sty/"  // sty/<facility>/<studyUID>
	prefixSeries    = "ser/"  // ser/<seriesUID>
	prefixInstance  = "ins/"  // ins/<sopUID>
	prefixSeriesIdx = "sidx/" // sidx/<seriesUID>/<sopUID> -> sopUID
	prefixStudyIdx  = "xidx/" // xidx/<studyUID>/<seriesUID> -> seriesUID
)

// BadgerStore is a Repository on top of an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the metadata database at dir. Badger's
// own chatter goes through the discard logger; we log open/close
// ourselves.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store at %s: %w", dir, err)
	}
	logger.Info("Metadata store opened", "dir", dir)
	return &BadgerStore{db: db}, nil
}

// Close flushes and closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *BadgerStore) get(key string, v any) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *BadgerStore) GetPatient(facilityID, patientID string) (types.Patient, bool, error) {
	var p types.Patient
	ok, err := b.get(prefixPatient+facilityID+"/"+patientID, &p)
	return p, ok, err
}

func (b *BadgerStore) PutPatient(p types.Patient) error {
	return b.put(prefixPatient+p.FacilityID+"/"+p.PatientID, p)
}

func (b *BadgerStore) GetStudy(facilityID, studyInstanceUID string) (types.Study, bool, error) {
	var s types.Study
	ok, err := b.get(prefixStudy+facilityID+"/"+studyInstanceUID, &s)
	return s, ok, err
}

func (b *BadgerStore) PutStudy(s types.Study) error {
	return b.put(prefixStudy+s.FacilityID+"/"+s.StudyInstanceUID, s)
}

func (b *BadgerStore) GetSeries(seriesInstanceUID string) (types.Series, bool, error) {
	var s types.Series
	ok, err := b.get(prefixSeries+seriesInstanceUID, &s)
	return s, ok, err
}

// PutSeries writes the series record and its study index entry in one
// transaction.
func (b *BadgerStore) PutSeries(s types.Series) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal series %s: %w", s.SeriesInstanceUID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixSeries+s.SeriesInstanceUID), data); err != nil {
			return err
		}
		idxKey := prefixStudyIdx + s.StudyInstanceUID + "/" + s.SeriesInstanceUID
		return txn.Set([]byte(idxKey), []byte(s.SeriesInstanceUID))
	})
}

func (b *BadgerStore) GetInstance(sopInstanceUID string) (types.Instance, bool, error) {
	var i types.Instance
	ok, err := b.get(prefixInstance+sopInstanceUID, &i)
	return i, ok, err
}

// PutInstance writes the instance record and its series index entry in
// one transaction, so listings never see a half-written instance.
func (b *BadgerStore) PutInstance(i types.Instance) error {
	data, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", i.SOPInstanceUID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixInstance+i.SOPInstanceUID), data); err != nil {
			return err
		}
		idxKey := prefixSeriesIdx + i.SeriesInstanceUID + "/" + i.SOPInstanceUID
		return txn.Set([]byte(idxKey), []byte(i.SOPInstanceUID))
	})
}

func (b *BadgerStore) InstancesBySeries(seriesInstanceUID string) ([]types.Instance, error) {
	var uids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSeriesIdx + seriesInstanceUID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				uids = append(uids, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Instance, 0, len(uids))
	for _, uid := range uids {
		inst, ok, err := b.GetInstance(uid)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (b *BadgerStore) SeriesByStudy(studyInstanceUID string) ([]types.Series, error) {
	var uids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixStudyIdx + studyInstanceUID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				uids = append(uids, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Series, 0, len(uids))
	for _, uid := range uids {
		s, ok, err := b.GetSeries(uid)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
