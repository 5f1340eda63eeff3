package client

import (
	"fmt"

	"github.com/halcyonimaging/pacscore/dimse"
	"github.com/halcyonimaging/pacscore/types"
)

// Echo sends a C-ECHO-RQ and returns the response status.
func (a *Association) Echo() (uint16, error) {
	pc, err := a.ContextFor(types.VerificationSOPClass)
	if err != nil {
		return 0, err
	}

	req := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           a.messageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSet,
	}
	if err := a.sendPDV(pc.ID, dimse.EncodeCommand(req), 0x03); err != nil {
		return 0, fmt.Errorf("failed to send C-ECHO-RQ: %w", err)
	}

	rsp, _, err := a.readResponse()
	if err != nil {
		return 0, err
	}
	if rsp.CommandField != types.CEchoRSP {
		return 0, fmt.Errorf("unexpected response command 0x%04x", rsp.CommandField)
	}

	a.logger.Debug("C-ECHO completed", "status", fmt.Sprintf("0x%04x", rsp.Status))
	return rsp.Status, nil
}
