package client

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/halcyonimaging/pacscore/dimse"
	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/pdu"
	"github.com/halcyonimaging/pacscore/types"
)

// sendPDV writes one PDV as a P-DATA-TF PDU.
func (a *Association) sendPDV(presContextID byte, data []byte, ctrlHeader byte) error {
	pdvData := append([]byte{presContextID, ctrlHeader}, data...)

	out := make([]byte, 0, 10+len(pdvData))
	out = append(out, pdu.TypePDataTF, 0x00)
	pduLen := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLen, uint32(4+len(pdvData)))
	out = append(out, pduLen...)
	pdvLen := make([]byte, 4)
	binary.BigEndian.PutUint32(pdvLen, uint32(len(pdvData)))
	out = append(out, pdvLen...)
	out = append(out, pdvData...)

	_, err := a.conn.Write(out)
	return err
}

// sendDataset writes a dataset as PDV fragments honouring the peer's
// maximum PDU length.
func (a *Association) sendDataset(presContextID byte, data []byte) error {
	// Leave room for the PDU and PDV headers.
	chunk := int(a.maxPDULength) - 12
	if chunk < 1024 {
		chunk = 1024
	}
	for offset := 0; offset < len(data); offset += chunk {
		end := offset + chunk
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		ctrl := byte(0x00) // dataset, more fragments
		if last {
			ctrl = 0x02 // dataset, last fragment
		}
		if err := a.sendPDV(presContextID, data[offset:end], ctrl); err != nil {
			return err
		}
	}
	return nil
}

// readResponse reads P-DATA-TF PDUs until a complete DIMSE response
// (command plus optional dataset) has arrived.
func (a *Association) readResponse() (*types.Message, []byte, error) {
	var commandData, datasetData []byte
	var msg *types.Message

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(a.conn, header); err != nil {
			return nil, nil, fmt.Errorf("failed to read PDU header: %w", err)
		}
		pduType := header[0]
		pduLength := binary.BigEndian.Uint32(header[2:6])
		data := make([]byte, pduLength)
		if _, err := io.ReadFull(a.conn, data); err != nil {
			return nil, nil, fmt.Errorf("failed to read PDU data: %w", err)
		}

		switch pduType {
		case pdu.TypePDataTF:
		case pdu.TypeAbort:
			if len(data) >= 4 {
				return nil, nil, &dcmerr.AbortError{Source: data[2], Reason: data[3]}
			}
			return nil, nil, &dcmerr.AbortError{}
		default:
			return nil, nil, dcmerr.NewPDUError(pduType, "expected P-DATA-TF")
		}

		offset := 0
		for offset+6 <= len(data) {
			pdvLength := binary.BigEndian.Uint32(data[offset : offset+4])
			end := offset + 4 + int(pdvLength)
			if pdvLength < 2 || end > len(data) {
				return nil, nil, dcmerr.NewPDUError(pduType, "truncated PDV")
			}
			ctrl := data[offset+5]
			value := data[offset+6 : end]

			isCommand := ctrl&0x01 != 0
			isLast := ctrl&0x02 != 0
			if isCommand {
				commandData = append(commandData, value...)
				if isLast {
					parsed, err := dimse.ParseCommand(commandData, a.logger)
					if err != nil {
						return nil, nil, err
					}
					msg = parsed
					if msg.CommandDataSetType == types.NoDataSet {
						return msg, nil, nil
					}
				}
			} else {
				datasetData = append(datasetData, value...)
				if isLast {
					if msg == nil {
						return nil, nil, dcmerr.ErrInvalidMessage
					}
					return msg, datasetData, nil
				}
			}
			offset = end
		}
	}
}
