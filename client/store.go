package client

import (
	"fmt"

	"github.com/halcyonimaging/pacscore/dicom"
	"github.com/halcyonimaging/pacscore/dimse"
	"github.com/halcyonimaging/pacscore/types"
)

// Store sends one object via C-STORE and returns the response status.
// The dataset is re-encoded in the transfer syntax negotiated for the
// object's SOP class.
func (a *Association) Store(obj *dicom.Object) (uint16, error) {
	sopClassUID := obj.Data.GetString(dicom.TagSOPClassUID)
	sopInstanceUID := obj.Data.GetString(dicom.TagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return 0, fmt.Errorf("object carries no SOP class or instance UID")
	}

	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return 0, err
	}

	payload, err := obj.Data.Encode(pc.TransferSyntax)
	if err != nil {
		return 0, fmt.Errorf("failed to encode dataset: %w", err)
	}
	if obj.PixelData != nil && !obj.PixelData.Encapsulated {
		bitsAllocated := obj.Data.GetInt(dicom.TagBitsAllocated, 16)
		payload = dicom.EncodePixelData(payload, obj.PixelData.Native, bitsAllocated, pc.TransferSyntax)
	}

	req := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              a.messageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     types.DataSetPresent,
	}
	if err := a.sendPDV(pc.ID, dimse.EncodeCommand(req), 0x03); err != nil {
		return 0, fmt.Errorf("failed to send C-STORE-RQ: %w", err)
	}
	if err := a.sendDataset(pc.ID, payload); err != nil {
		return 0, fmt.Errorf("failed to send C-STORE dataset: %w", err)
	}

	rsp, _, err := a.readResponse()
	if err != nil {
		return 0, err
	}
	if rsp.CommandField != types.CStoreRSP {
		return 0, fmt.Errorf("unexpected response command 0x%04x", rsp.CommandField)
	}

	a.logger.Debug("C-STORE completed",
		"sop_instance", sopInstanceUID,
		"status", fmt.Sprintf("0x%04x", rsp.Status))
	return rsp.Status, nil
}
