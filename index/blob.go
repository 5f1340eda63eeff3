package index

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	dcmerr "github.com/halcyonimaging/pacscore/errors"
)

const blobWriteRetries = 3

// BlobStore writes pixel payloads under a root directory at paths
// derived from the study, series and SOP instance UIDs. The path is a
// pure function of the instance identity, so re-sending an instance
// overwrites its blob in place and exactly one blob exists per SOP
// instance, even when the pixel bytes changed.
type BlobStore struct {
	root string
}

// NewBlobStore creates the root directory if needed.
func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &dcmerr.StorageWriteError{Path: root, Err: err}
	}
	return &BlobStore{root: root}, nil
}

// Write stores the payload for one SOP instance and returns its path
// relative to the store root: <hash(study)>/<hash(series)>/<sop>.raw.
// The write goes to a temp file first and is renamed into place, so
// readers never see a partial blob. Transient write failures are
// retried a bounded number of times before the error surfaces as a
// StorageWriteError.
func (b *BlobStore) Write(studyUID, seriesUID, sopInstanceUID string, data []byte) (string, error) {
	rel := filepath.Join(
		fmt.Sprintf("%016x", xxhash.Sum64String(studyUID)),
		fmt.Sprintf("%016x", xxhash.Sum64String(seriesUID)),
		sopInstanceUID+".raw")
	abs := filepath.Join(b.root, rel)

	var lastErr error
	for attempt := 0; attempt < blobWriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if lastErr = b.writeOnce(abs, data); lastErr == nil {
			return rel, nil
		}
	}
	return "", &dcmerr.StorageWriteError{Path: rel, Err: lastErr}
}

func (b *BlobStore) writeOnce(abs string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".blob-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Read returns the payload stored at the given relative path.
func (b *BlobStore) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", rel, err)
	}
	return data, nil
}
