package interfaces

import "context"

type contextKey int

const (
	facilityKey contextKey = iota
	callingAEKey
)

// WithFacility annotates a context with the facility authorized for the
// association and the calling AE title, so handlers can attribute stored
// objects without re-running the gate.
func WithFacility(ctx context.Context, facilityID, callingAE string) context.Context {
	ctx = context.WithValue(ctx, facilityKey, facilityID)
	return context.WithValue(ctx, callingAEKey, callingAE)
}

// FacilityFromContext returns the authorized facility ID, or "".
func FacilityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(facilityKey).(string)
	return id
}

// CallingAEFromContext returns the peer's AE title, or "".
func CallingAEFromContext(ctx context.Context) string {
	ae, _ := ctx.Value(callingAEKey).(string)
	return ae
}
