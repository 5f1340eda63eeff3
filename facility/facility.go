// Package facility maps DICOM Application Entity titles to the
// institutions allowed to push objects, and gates association requests
// against that registry.
package facility

import (
	"log/slog"
	"sync"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/metrics"
	"github.com/halcyonimaging/pacscore/types"
)

// Registry resolves AE titles to facilities. The admin subsystem owns the
// records; the core only reads them.
type Registry interface {
	// FacilityByAETitle returns the facility registered under the exact
	// (case-sensitive) AE title, active or not.
	FacilityByAETitle(aeTitle string) (types.Facility, bool)
}

// MemRegistry is an in-memory Registry, seeded from configuration.
type MemRegistry struct {
	mu        sync.RWMutex
	byAETitle map[string]types.Facility
}

// NewMemRegistry creates a registry holding the given facilities.
func NewMemRegistry(facilities []types.Facility) *MemRegistry {
	r := &MemRegistry{byAETitle: make(map[string]types.Facility, len(facilities))}
	for _, f := range facilities {
		r.byAETitle[f.AETitle] = f
	}
	return r
}

// FacilityByAETitle implements Registry.
func (r *MemRegistry) FacilityByAETitle(aeTitle string) (types.Facility, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byAETitle[aeTitle]
	return f, ok
}

// Upsert adds or replaces a facility record.
func (r *MemRegistry) Upsert(f types.Facility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAETitle[f.AETitle] = f
}

// Gate authorizes association requests before any data set is read.
type Gate struct {
	registry Registry
	aeTitle  string
	logger   *slog.Logger
}

// NewGate builds a gate for the server's own AE title.
func NewGate(registry Registry, serverAETitle string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{registry: registry, aeTitle: serverAETitle, logger: logger}
}

// Authorize validates the calling and called AE titles of an association
// request. Lookup is a case-sensitive exact match against active
// facilities. Every decision, accepted or rejected, is logged with the
// peer address for audit.
func (g *Gate) Authorize(callingAE, calledAE, peerAddr string) (string, error) {
	if calledAE != g.aeTitle {
		g.logger.Warn("Association rejected: called AE title not recognized",
			"calling_ae", callingAE,
			"called_ae", calledAE,
			"peer_addr", peerAddr)
		metrics.AssociationsRejected.WithLabelValues("called-ae-title-not-recognized").Inc()
		return "", dcmerr.NewAssociationError(
			dcmerr.RejectSourceServiceUser,
			dcmerr.RejectReasonCalledAETitleNotRecognized,
			"called AE title not recognized")
	}

	f, ok := g.registry.FacilityByAETitle(callingAE)
	if !ok || !f.Active {
		g.logger.Warn("Association rejected: calling AE title not recognized",
			"calling_ae", callingAE,
			"called_ae", calledAE,
			"peer_addr", peerAddr,
			"registered", ok,
			"active", ok && f.Active)
		metrics.AssociationsRejected.WithLabelValues("calling-ae-title-not-recognized").Inc()
		return "", dcmerr.NewAssociationError(
			dcmerr.RejectSourceServiceUser,
			dcmerr.RejectReasonCallingAETitleNotRecognized,
			"calling AE title not recognized")
	}

	g.logger.Info("Association authorized",
		"calling_ae", callingAE,
		"called_ae", calledAE,
		"peer_addr", peerAddr,
		"facility_id", f.ID,
		"facility", f.Name)
	metrics.AssociationsAccepted.Inc()
	return f.ID, nil
}
