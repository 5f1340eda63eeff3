// Package dimse reassembles DIMSE messages from PDV fragments, parses
// and encodes command sets, and routes complete messages to the service
// registry.
package dimse

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/types"
)

// Command set elements live in group 0000 and are always encoded implicit
// VR little endian regardless of the negotiated transfer syntax.
const commandGroup = 0x0000

const maxCommandElementLength = 1 << 20

// ParseCommand parses a DIMSE command set from raw bytes.
func ParseCommand(data []byte, logger *slog.Logger) (*types.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: command set too short (%d bytes)", dcmerr.ErrInvalidMessage, len(data))
	}

	msg := &types.Message{}
	sawCommandField := false

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if length > maxCommandElementLength {
			return nil, fmt.Errorf("%w: command element (%04x,%04x) length %d", dcmerr.ErrInvalidMessage, group, element, length)
		}
		valueStart := offset + 8
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("%w: command element (%04x,%04x) exceeds message", dcmerr.ErrInvalidMessage, group, element)
		}
		value := data[valueStart:valueEnd]

		if group == commandGroup {
			switch element {
			case 0x0100: // Command Field
				if length == 2 {
					msg.CommandField = binary.LittleEndian.Uint16(value)
					sawCommandField = true
				}
			case 0x0110: // Message ID
				if length == 2 {
					msg.MessageID = binary.LittleEndian.Uint16(value)
				}
			case 0x0120: // Message ID Being Responded To
				if length == 2 {
					msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value)
				}
			case 0x0700: // Priority
				if length == 2 {
					msg.Priority = binary.LittleEndian.Uint16(value)
				}
			case 0x0800: // Command Data Set Type
				if length == 2 {
					msg.CommandDataSetType = binary.LittleEndian.Uint16(value)
				}
			case 0x0900: // Status
				if length == 2 {
					msg.Status = binary.LittleEndian.Uint16(value)
				}
			case 0x0002: // Affected SOP Class UID
				msg.AffectedSOPClassUID = trimUID(value)
			case 0x1000: // Affected SOP Instance UID
				msg.AffectedSOPInstanceUID = trimUID(value)
			}
		}

		offset = valueEnd
	}

	if !sawCommandField {
		return nil, fmt.Errorf("%w: no command field", dcmerr.ErrInvalidMessage)
	}

	logger.Debug("Parsed DIMSE command",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"affected_sop_class", msg.AffectedSOPClassUID)
	return msg, nil
}

func trimUID(value []byte) string {
	s := string(value)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// EncodeCommand encodes a DIMSE command set, implicit VR little endian,
// with the group length element (0000,0000) prepended.
func EncodeCommand(msg *types.Message) []byte {
	var elements []byte

	if msg.AffectedSOPClassUID != "" {
		elements = appendUIDElement(elements, 0x0002, msg.AffectedSOPClassUID)
	}
	elements = appendShortElement(elements, 0x0100, msg.CommandField)
	if msg.MessageID > 0 {
		elements = appendShortElement(elements, 0x0110, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo > 0 {
		elements = appendShortElement(elements, 0x0120, msg.MessageIDBeingRespondedTo)
	}
	if msg.CommandField == types.CStoreRQ {
		elements = appendShortElement(elements, 0x0700, msg.Priority)
	}
	elements = appendShortElement(elements, 0x0800, msg.CommandDataSetType)
	if msg.CommandField&0x8000 != 0 {
		elements = appendShortElement(elements, 0x0900, msg.Status)
	}
	if msg.AffectedSOPInstanceUID != "" {
		elements = appendUIDElement(elements, 0x1000, msg.AffectedSOPInstanceUID)
	}

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(elements)))

	out := make([]byte, 0, 12+len(elements))
	out = append(out, 0x00, 0x00, 0x00, 0x00) // (0000,0000) Group Length
	out = append(out, 0x04, 0x00, 0x00, 0x00)
	out = append(out, groupLength...)
	return append(out, elements...)
}

func appendShortElement(buf []byte, element uint16, value uint16) []byte {
	buf = appendTag(buf, element)
	buf = append(buf, 0x02, 0x00, 0x00, 0x00)
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, value)
	return append(buf, v...)
}

func appendUIDElement(buf []byte, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	buf = appendTag(buf, element)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendTag(buf []byte, element uint16) []byte {
	buf = append(buf, 0x00, 0x00)
	e := make([]byte, 2)
	binary.LittleEndian.PutUint16(e, element)
	return append(buf, e...)
}
