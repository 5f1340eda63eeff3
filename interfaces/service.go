// Package interfaces contains the contracts between the PDU, DIMSE and
// service layers.
package interfaces

import (
	"context"

	"github.com/halcyonimaging/pacscore/types"
)

// ServiceHandler handles one DIMSE operation. Implementations must treat
// each call as one object: an error fails that operation only, never the
// association.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

// DIMSEHandler is how the PDU layer hands reassembled PDV streams to the
// DIMSE layer.
type DIMSEHandler interface {
	HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer is how the DIMSE layer sends responses and resolves the
// negotiated transfer syntax of a presentation context.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
	TransferSyntaxFor(presContextID byte) (string, error)
}

// AssociationGate authorizes an association request before it is accepted.
// The returned identifier names the authorized facility.
type AssociationGate interface {
	Authorize(callingAE, calledAE, peerAddr string) (string, error)
}
