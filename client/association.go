// Package client is the SCU side: it opens associations and issues
// C-ECHO and C-STORE requests. The server's own tests use it to drive
// full round trips.
package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/pdu"
	"github.com/halcyonimaging/pacscore/types"
)

// Association is a client-side DICOM association.
type Association struct {
	conn             net.Conn
	callingAETitle   string
	calledAETitle    string
	maxPDULength     uint32
	presentationCtxs map[byte]*PresentationContext
	logger           *slog.Logger
	transferSyntaxes []string
	nextMessageID    uint16
}

// PresentationContext holds negotiated presentation context state.
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// Config holds client configuration.
type Config struct {
	CallingAETitle   string
	CalledAETitle    string
	MaxPDULength     uint32
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
	TransferSyntaxes []string // proposed in order of preference
	// AbstractSyntaxes to propose. Defaults to Verification plus the CT,
	// MR and Secondary Capture storage classes.
	AbstractSyntaxes []string
}

func (c *Config) applyDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if len(c.TransferSyntaxes) == 0 {
		c.TransferSyntaxes = []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
		}
	}
	if len(c.AbstractSyntaxes) == 0 {
		c.AbstractSyntaxes = []string{
			types.VerificationSOPClass,
			types.CTImageStorage,
			types.MRImageStorage,
			types.SecondaryCaptureImageStorage,
		}
	}
}

// Connect dials the SCP and negotiates an association.
func Connect(address string, config Config) (*Association, error) {
	config.applyDefaults()
	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	assoc, err := Negotiate(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

// Negotiate runs the association handshake over an existing connection.
func Negotiate(conn net.Conn, config Config) (*Association, error) {
	config.applyDefaults()

	if config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	if config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	assoc := &Association{
		conn:             conn,
		callingAETitle:   config.CallingAETitle,
		calledAETitle:    config.CalledAETitle,
		maxPDULength:     config.MaxPDULength,
		presentationCtxs: make(map[byte]*PresentationContext),
		logger:           config.Logger,
		transferSyntaxes: config.TransferSyntaxes,
		nextMessageID:    1,
	}

	if err := assoc.sendAssociateRQ(config.AbstractSyntaxes); err != nil {
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}
	if err := assoc.receiveAssociateAC(); err != nil {
		return nil, err
	}

	assoc.logger.Info("DICOM association established",
		"calling_ae", config.CallingAETitle,
		"called_ae", config.CalledAETitle)
	return assoc, nil
}

// Close releases the association and closes the connection.
func (a *Association) Close() error {
	if err := a.sendReleaseRQ(); err != nil {
		a.logger.Warn("Failed to send release request", "error", err)
	}
	a.receiveReleaseRP()
	return a.conn.Close()
}

func (a *Association) messageID() uint16 {
	id := a.nextMessageID
	a.nextMessageID++
	return id
}

func (a *Association) sendAssociateRQ(abstractSyntaxes []string) error {
	buf := make([]byte, 0, 1024)

	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00) // reserved
	buf = append(buf, paddedAE(a.calledAETitle)...)
	buf = append(buf, paddedAE(a.callingAETitle)...)
	buf = append(buf, make([]byte, 32)...) // reserved

	// Application Context item
	buf = append(buf, 0x10, 0x00)
	buf = append(buf, 0x00, byte(len(types.ApplicationContextUID)))
	buf = append(buf, []byte(types.ApplicationContextUID)...)

	ctxID := byte(1)
	for _, abstract := range abstractSyntaxes {
		buf = a.addPresentationContext(buf, ctxID, abstract)
		ctxID += 2
	}

	buf = a.addUserInformation(buf)

	header := make([]byte, 6)
	header[0] = pdu.TypeAssociateRQ
	binary.BigEndian.PutUint32(header[2:6], uint32(len(buf)))
	if _, err := a.conn.Write(append(header, buf...)); err != nil {
		return err
	}
	return nil
}

func paddedAE(ae string) []byte {
	out := []byte(fmt.Sprintf("%-16s", ae))
	return out[:16]
}

func (a *Association) addPresentationContext(buf []byte, contextID byte, abstractSyntax string) []byte {
	pcStart := len(buf)

	buf = append(buf, 0x20, 0x00)
	buf = append(buf, 0x00, 0x00) // length placeholder
	buf = append(buf, contextID)
	buf = append(buf, 0x00, 0x00, 0x00) // reserved

	buf = append(buf, 0x30, 0x00)
	buf = append(buf, 0x00, byte(len(abstractSyntax)))
	buf = append(buf, []byte(abstractSyntax)...)

	for _, ts := range a.transferSyntaxes {
		buf = append(buf, 0x40, 0x00)
		buf = append(buf, 0x00, byte(len(ts)))
		buf = append(buf, []byte(ts)...)
	}

	binary.BigEndian.PutUint16(buf[pcStart+2:pcStart+4], uint16(len(buf)-pcStart-4))

	a.presentationCtxs[contextID] = &PresentationContext{
		ID:             contextID,
		AbstractSyntax: abstractSyntax,
	}
	return buf
}

func (a *Association) addUserInformation(buf []byte) []byte {
	uiStart := len(buf)

	buf = append(buf, 0x50, 0x00)
	buf = append(buf, 0x00, 0x00) // length placeholder

	buf = append(buf, 0x51, 0x00, 0x00, 0x04)
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, a.maxPDULength)
	buf = append(buf, maxLen...)

	implClassUID := "1.2.826.0.1.3680043.10.1511.2"
	buf = append(buf, 0x52, 0x00)
	buf = append(buf, 0x00, byte(len(implClassUID)))
	buf = append(buf, []byte(implClassUID)...)

	implVersion := "PACSCORE_SCU_1.0"
	buf = append(buf, 0x55, 0x00)
	buf = append(buf, 0x00, byte(len(implVersion)))
	buf = append(buf, []byte(implVersion)...)

	binary.BigEndian.PutUint16(buf[uiStart+2:uiStart+4], uint16(len(buf)-uiStart-4))
	return buf
}

func (a *Association) receiveAssociateAC() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return fmt.Errorf("failed to read PDU header: %w", err)
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, pduLength)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return fmt.Errorf("failed to read PDU data: %w", err)
	}

	if pduType == pdu.TypeAssociateRJ {
		if len(data) >= 4 {
			return &dcmerr.AssociationError{
				Source: dcmerr.AssociationRejectSource(data[2]),
				Reason: dcmerr.AssociationRejectReason(data[3]),
				Msg:    "rejected by peer",
			}
		}
		return dcmerr.ErrAssociationRejected
	}
	if pduType != pdu.TypeAssociateAC {
		return dcmerr.NewPDUError(pduType, "expected A-ASSOCIATE-AC")
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			break
		}

		if itemType == 0x21 && itemLength >= 4 {
			contextID := data[offset+4]
			result := data[offset+6]

			transferSyntax := ""
			subOffset := offset + 8
			for subOffset+4 <= itemEnd {
				subItemType := data[subOffset]
				subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
				subItemEnd := subOffset + 4 + int(subItemLength)
				if subItemEnd > itemEnd {
					break
				}
				if subItemType == 0x40 && subItemLength > 0 {
					transferSyntax = strings.TrimRight(string(data[subOffset+4:subItemEnd]), "\x00 ")
				}
				subOffset = subItemEnd
			}

			if pc, ok := a.presentationCtxs[contextID]; ok {
				pc.Accepted = result == 0
				if pc.Accepted {
					pc.TransferSyntax = transferSyntax
				}
				a.logger.Debug("Presentation context negotiated",
					"context_id", contextID,
					"abstract_syntax", pc.AbstractSyntax,
					"accepted", pc.Accepted,
					"transfer_syntax", pc.TransferSyntax)
			}
		}
		offset = itemEnd
	}
	return nil
}

func (a *Association) sendReleaseRQ() error {
	out := []byte{pdu.TypeReleaseRQ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	_, err := a.conn.Write(out)
	return err
}

func (a *Association) receiveReleaseRP() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return err
	}
	pduLength := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, pduLength)
	io.ReadFull(a.conn, data)
	if header[0] != pdu.TypeReleaseRP {
		return dcmerr.NewPDUError(header[0], "expected A-RELEASE-RP")
	}
	return nil
}

// ContextFor finds an accepted presentation context for the abstract
// syntax.
func (a *Association) ContextFor(abstractSyntax string) (*PresentationContext, error) {
	for _, pc := range a.presentationCtxs {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", dcmerr.ErrNoPresentationCtx, abstractSyntax)
}
