// Package pdu implements the DICOM Upper Layer Protocol for the SCP side:
// association negotiation gated by the facility registry, P-DATA-TF
// transport, and release/abort handling.
package pdu

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/interfaces"
	"github.com/halcyonimaging/pacscore/metrics"
	"github.com/halcyonimaging/pacscore/types"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

const defaultMaxPDULength = 16384

// maxPDULength bounds what we will read in one PDU regardless of what the
// peer announced.
const maxIncomingPDULength = 1 << 26

// AssociationContext holds negotiated association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	FacilityID       string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Timeouts bound the socket waits of one association. Idle covers the
// gap between PDUs, ObjectRead the arrival of one PDU body after its
// header, and Write any outgoing PDU. Zero disables the respective
// deadline.
type Timeouts struct {
	Idle       time.Duration
	ObjectRead time.Duration
	Write      time.Duration
}

// Layer drives one association: Idle -> AssociationRequested ->
// Accepted/Rejected -> (Echo|Store)* -> ReleaseRequested -> Closed.
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   interfaces.DIMSEHandler
	gate           interfaces.AssociationGate
	serverAETitle  string
	timeouts       Timeouts
	logger         *slog.Logger
}

// NewLayer creates a PDU layer for one accepted connection.
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, gate interfaces.AssociationGate, serverAETitle string, timeouts Timeouts, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		gate:          gate,
		serverAETitle: serverAETitle,
		timeouts:      timeouts,
		logger:        logger,
	}
}

// HandleConnection manages the complete association lifecycle.
func (p *Layer) HandleConnection(ctx context.Context) error {
	defer p.conn.Close()
	p.logger.Info("New DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	metrics.AssociationsOpen.Inc()
	defer metrics.AssociationsOpen.Dec()

	ctx = interfaces.WithFacility(ctx, p.associationCtx.FacilityID, p.associationCtx.CallingAETitle)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pdu, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("Connection closed by peer", "remote_addr", p.conn.RemoteAddr())
				return nil
			}
			var netErr net.Error
			if isTimeout(err, &netErr) {
				p.logger.Warn("Association timeout, aborting",
					"remote_addr", p.conn.RemoteAddr(),
					"idle_timeout", p.timeouts.Idle,
					"object_read_timeout", p.timeouts.ObjectRead)
				p.sendAbort()
				return &dcmerr.TimeoutError{Operation: "association wait", Duration: p.timeouts.Idle.String()}
			}
			p.logger.Warn("Error reading PDU", "error", err, "remote_addr", p.conn.RemoteAddr())
			return err
		}

		if err := p.handlePDU(ctx, pdu); err != nil {
			if err == io.EOF {
				return nil // released or aborted
			}
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}
}

func isTimeout(err error, netErr *net.Error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		*netErr = ne
		return true
	}
	return false
}

// readPDU reads one complete PDU. The idle deadline covers the wait for
// the header; once a header arrived, the object-read deadline bounds how
// long the body may trickle in, so a stalled sender cannot hold the
// association open mid-object.
func (p *Layer) readPDU() (*PDU, error) {
	if p.timeouts.Idle > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.timeouts.Idle)); err != nil {
			return nil, err
		}
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])
	if pduLength > maxIncomingPDULength {
		return nil, dcmerr.NewPDUError(pduType, fmt.Sprintf("PDU length %d exceeds limit", pduLength))
	}

	if p.timeouts.ObjectRead > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.timeouts.ObjectRead)); err != nil {
			return nil, err
		}
	}
	pduData := make([]byte, pduLength)
	if _, err := io.ReadFull(p.conn, pduData); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &PDU{Type: pduType, Length: pduLength, Data: pduData}, nil
}

// write sends raw bytes under the write deadline.
func (p *Layer) write(b []byte) (int, error) {
	if p.timeouts.Write > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeouts.Write)); err != nil {
			return 0, err
		}
	}
	return p.conn.Write(b)
}

// handlePDU routes PDUs within an established association.
func (p *Layer) handlePDU(ctx context.Context, pdu *PDU) error {
	p.logger.Debug("Received PDU", "type", fmt.Sprintf("0x%02x", pdu.Type), "length", pdu.Length)

	switch pdu.Type {
	case TypePDataTF:
		return p.handlePDataTF(ctx, pdu)
	case TypeReleaseRQ:
		return p.handleReleaseRequest()
	case TypeAbort:
		p.logger.Info("Received A-ABORT", "remote_addr", p.conn.RemoteAddr())
		return io.EOF
	default:
		p.logger.Warn("Unhandled PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		return nil
	}
}

// handleAssociationPhase reads the A-ASSOCIATE-RQ, runs the gate and
// either accepts or rejects. Rejections happen before any data set is
// read, so unauthorized peers cost nothing beyond the handshake.
func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}

	if pdu.Type != TypeAssociateRQ {
		return dcmerr.NewPDUError(pdu.Type, "expected A-ASSOCIATE-RQ")
	}

	assocCtx, err := parseAssociationRequest(pdu, p.logger)
	if err != nil {
		p.logger.Warn("Malformed association request, rejecting",
			"error", err,
			"remote_addr", p.conn.RemoteAddr())
		p.sendAssociateReject(dcmerr.RejectSourceServiceProvider, dcmerr.RejectReasonNoReasonGiven)
		return err
	}
	p.associationCtx = assocCtx

	peerAddr := p.conn.RemoteAddr().String()
	facilityID, err := p.gate.Authorize(assocCtx.CallingAETitle, assocCtx.CalledAETitle, peerAddr)
	if err != nil {
		var assocErr *dcmerr.AssociationError
		if ok := asAssociationError(err, &assocErr); ok {
			p.sendAssociateReject(assocErr.Source, assocErr.Reason)
		} else {
			p.sendAssociateReject(dcmerr.RejectSourceServiceProvider, dcmerr.RejectReasonNoReasonGiven)
		}
		return err
	}
	assocCtx.FacilityID = facilityID

	accepted := 0
	for _, pc := range assocCtx.PresentationCtxs {
		if pc.Result == presentationResultAcceptance {
			accepted++
		}
	}
	if accepted == 0 {
		p.logger.Warn("No acceptable presentation context, rejecting",
			"remote_addr", peerAddr,
			"proposed", len(assocCtx.PresentationCtxs))
		p.sendAssociateReject(dcmerr.RejectSourceServiceUser, dcmerr.RejectReasonApplicationContextNotSupported)
		return dcmerr.ErrNoPresentationCtx
	}

	response := p.createAssociateAccept()
	if _, err := p.write(response); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}

	p.logger.Debug("Sent A-ASSOCIATE-AC",
		"calling_ae", assocCtx.CallingAETitle,
		"accepted_contexts", accepted)
	return nil
}

func asAssociationError(err error, target **dcmerr.AssociationError) bool {
	if ae, ok := err.(*dcmerr.AssociationError); ok {
		*target = ae
		return true
	}
	return false
}

// handlePDataTF unwraps every PDV in the PDU and forwards each to the
// DIMSE layer.
func (p *Layer) handlePDataTF(ctx context.Context, pdu *PDU) error {
	offset := 0
	for offset < len(pdu.Data) {
		if offset+6 > len(pdu.Data) {
			return dcmerr.NewPDUError(TypePDataTF, "truncated PDV header")
		}
		pdvLength := binary.BigEndian.Uint32(pdu.Data[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if pdvLength < 2 || end > len(pdu.Data) {
			return dcmerr.NewPDUError(TypePDataTF, "PDV length exceeds PDU payload")
		}

		presContextID := pdu.Data[offset+4]
		msgCtrlHeader := pdu.Data[offset+5]
		value := pdu.Data[offset+6 : end]

		if err := p.dimseHandler.HandleDIMSEMessage(ctx, presContextID, msgCtrlHeader, value, p); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// handleReleaseRequest answers A-RELEASE-RQ with A-RELEASE-RP and ends
// the association.
func (p *Layer) handleReleaseRequest() error {
	response := []byte{TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := p.write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
	}
	p.logger.Debug("Association released", "remote_addr", p.conn.RemoteAddr())
	return io.EOF
}

// sendAssociateReject writes an A-ASSOCIATE-RJ with result
// rejected-permanent and closes the negotiation.
func (p *Layer) sendAssociateReject(source dcmerr.AssociationRejectSource, reason dcmerr.AssociationRejectReason) {
	rj := []byte{
		TypeAssociateRJ, 0x00,
		0x00, 0x00, 0x00, 0x04,
		0x00,         // reserved
		0x01,         // result: rejected-permanent
		byte(source), // source
		byte(reason), // reason
	}
	if _, err := p.write(rj); err != nil {
		p.logger.Warn("Failed to send A-ASSOCIATE-RJ", "error", err)
	}
}

// sendAbort writes an A-ABORT sourced at the service provider.
func (p *Layer) sendAbort() {
	ab := []byte{TypeAbort, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x02, 0x00}
	if _, err := p.write(ab); err != nil {
		p.logger.Debug("Failed to send A-ABORT", "error", err)
	}
}

// SendDIMSEResponse sends a command-only DIMSE response via P-DATA-TF.
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE response with an optional
// dataset, each as its own P-DATA-TF PDU.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := p.writePDV(presContextID, commandData, 0x03); err != nil { // command, last fragment
		return fmt.Errorf("failed to send command PDU: %w", err)
	}
	if len(datasetData) > 0 {
		if err := p.writePDV(presContextID, datasetData, 0x02); err != nil { // dataset, last fragment
			return fmt.Errorf("failed to send dataset PDU: %w", err)
		}
	}
	return nil
}

func (p *Layer) writePDV(presContextID byte, data []byte, ctrlHeader byte) error {
	pdvData := append([]byte{presContextID, ctrlHeader}, data...)

	pdvLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pdvLength, uint32(len(pdvData)))

	pduHeader := []byte{TypePDataTF, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pdvLength)+len(pdvData)))

	out := append(pduHeader, pduLength...)
	out = append(out, pdvLength...)
	out = append(out, pdvData...)

	_, err := p.write(out)
	return err
}

// TransferSyntaxFor returns the negotiated transfer syntax for the given
// presentation context.
func (p *Layer) TransferSyntaxFor(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}
	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}
	if ctx.Result != presentationResultAcceptance || ctx.TransferSyntax == "" {
		return "", fmt.Errorf("presentation context %d was not accepted", presContextID)
	}
	return ctx.TransferSyntax, nil
}

// AssociationInfo exposes the negotiated titles for logging.
func (p *Layer) AssociationInfo() (callingAE, calledAE, facilityID string) {
	if p.associationCtx == nil {
		return "", "", ""
	}
	return p.associationCtx.CallingAETitle, p.associationCtx.CalledAETitle, p.associationCtx.FacilityID
}

// createAssociateAccept builds the A-ASSOCIATE-AC PDU. Only accepted
// presentation contexts are echoed; some toolkits reject ACs that include
// refused contexts even though PS3.8 asks for them.
func (p *Layer) createAssociateAccept() []byte {
	fixedFields := make([]byte, 68)
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001) // protocol version

	calledAE := truncateAE(p.associationCtx.CalledAETitle)
	callingAE := truncateAE(p.associationCtx.CallingAETitle)
	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE))

	appContextItem := buildItem(0x10, []byte(types.ApplicationContextUID))

	var contextIDs []byte
	for id := range p.associationCtx.PresentationCtxs {
		contextIDs = append(contextIDs, id)
	}
	for i := 0; i < len(contextIDs); i++ {
		for j := i + 1; j < len(contextIDs); j++ {
			if contextIDs[i] > contextIDs[j] {
				contextIDs[i], contextIDs[j] = contextIDs[j], contextIDs[i]
			}
		}
	}

	var allPresContextItems []byte
	for _, id := range contextIDs {
		ctx := p.associationCtx.PresentationCtxs[id]
		if ctx.Result != presentationResultAcceptance {
			continue
		}

		transferSyntaxItem := buildItem(0x40, []byte(ctx.TransferSyntax))

		presContextItem := []byte{0x21, 0x00}
		presContextLen := make([]byte, 2)
		binary.BigEndian.PutUint16(presContextLen, uint16(4+len(transferSyntaxItem)))
		presContextItem = append(presContextItem, presContextLen...)
		presContextItem = append(presContextItem, ctx.ID, ctx.Result, 0x00, 0x00)
		presContextItem = append(presContextItem, transferSyntaxItem...)

		allPresContextItems = append(allPresContextItems, presContextItem...)
	}

	maxPDUItem := []byte{0x51, 0x00, 0x00, 0x04}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, defaultMaxPDULength)
	maxPDUItem = append(maxPDUItem, maxPDUValue...)

	implClassItem := buildItem(0x52, []byte("1.2.826.0.1.3680043.10.1511.1"))
	implVersionItem := buildItem(0x55, []byte("PACSCORE_1.0"))

	userInfoData := append(maxPDUItem, implClassItem...)
	userInfoData = append(userInfoData, implVersionItem...)
	userInfoItem := buildItem(0x50, userInfoData)

	variableItems := append(appContextItem, allPresContextItems...)
	variableItems = append(variableItems, userInfoItem...)
	pduData := append(fixedFields, variableItems...)

	pduHeader := []byte{TypeAssociateAC, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pduData)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, pduData...)
}

func buildItem(itemType byte, value []byte) []byte {
	item := []byte{itemType, 0x00}
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	item = append(item, length...)
	return append(item, value...)
}

func truncateAE(ae string) string {
	if len(ae) > 16 {
		return ae[:16]
	}
	return ae
}

// parseAssociationRequest parses an A-ASSOCIATE-RQ into an association
// context with per-context negotiation results.
func parseAssociationRequest(pdu *PDU, logger *slog.Logger) (*AssociationContext, error) {
	if len(pdu.Data) < 68 {
		return nil, dcmerr.NewPDUError(TypeAssociateRQ, "association request too short")
	}

	data := pdu.Data
	assocCtx := &AssociationContext{
		CalledAETitle:    trimAE(data[4:20]),
		CallingAETitle:   trimAE(data[20:36]),
		MaxPDULength:     defaultMaxPDULength,
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	offset := 68
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, dcmerr.NewPDUError(TypeAssociateRQ, "truncated variable item header")
		}
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, dcmerr.NewPDUError(TypeAssociateRQ, "association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10: // Application Context
		case 0x20: // Presentation Context
			pc, err := parsePresentationContext(itemData, logger)
			if err != nil {
				return nil, err
			}
			assocCtx.PresentationCtxs[pc.ID] = pc
		case 0x50: // User Information
			if maxPDULength := parseUserInformation(itemData); maxPDULength > 0 {
				assocCtx.MaxPDULength = maxPDULength
			}
		}
		offset = valueEnd
	}

	if len(assocCtx.PresentationCtxs) == 0 {
		return nil, dcmerr.NewPDUError(TypeAssociateRQ, "no presentation contexts proposed")
	}
	return assocCtx, nil
}

func trimAE(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func supportsAbstractSyntax(uid string) bool {
	return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
}

func parsePresentationContext(data []byte, logger *slog.Logger) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, dcmerr.NewPDUError(TypeAssociateRQ, "presentation context too short")
	}

	ctxID := data[0]
	subOffset := 4 // skip reserved bytes
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, dcmerr.NewPDUError(TypeAssociateRQ, fmt.Sprintf("presentation context %d sub-item exceeds length", ctxID))
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30: // Abstract Syntax
			abstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}
		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, dcmerr.NewPDUError(TypeAssociateRQ, fmt.Sprintf("presentation context %d missing abstract syntax", ctxID))
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""
	if supportsAbstractSyntax(abstractSyntax) {
		for _, ts := range transferSyntaxes {
			if types.IsNegotiableTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
		if result != presentationResultAcceptance {
			result = presentationResultRejectTransferSyntax
		}
	}

	logger.Debug("Presentation context negotiated",
		"context_id", ctxID,
		"abstract_syntax", abstractSyntax,
		"selected_transfer_syntax", selectedTransfer,
		"result", result)

	return &PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

func parseUserInformation(data []byte) uint32 {
	offset := 0
	var maxPDULength uint32
	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return maxPDULength
		}
		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return maxPDULength
}
