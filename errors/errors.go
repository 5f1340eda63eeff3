// Package errors provides PACS-core error types so callers can tell
// protocol, object, reconstruction and resource failures apart.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrUnsupportedTransfer = errors.New("dicom: unsupported transfer syntax")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage      = errors.New("dicom: invalid DIMSE message")
	ErrInstanceNotFound    = errors.New("index: instance not found")
	ErrSeriesNotFound      = errors.New("index: series not found")
	ErrSeriesNotStackable  = errors.New("volume: series marked non-stackable")
	ErrEmptyRegion         = errors.New("roi: region covers no pixels")
	ErrInvalidPlane        = errors.New("volume: invalid plane request")
	ErrVolumeHandleUnknown = errors.New("viewer: unknown volume handle")
)

// AssociationRejectReason represents why an association was rejected
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

func (r AssociationRejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// AssociationRejectSource represents who rejected the association
type AssociationRejectSource byte

const (
	RejectSourceUnknown         AssociationRejectSource = 0x00
	RejectSourceServiceUser     AssociationRejectSource = 0x01
	RejectSourceServiceProvider AssociationRejectSource = 0x02
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// AssociationError represents an association-level error. Peer-facing
// responses carry only the numeric reject fields; Msg stays in the logs.
type AssociationError struct {
	Reason AssociationRejectReason
	Source AssociationRejectSource
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, reason: %s)",
		e.Msg, e.Source, e.Reason)
}

// NewAssociationError creates a new association error
func NewAssociationError(source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{
		Source: source,
		Reason: reason,
		Msg:    msg,
	}
}

// MalformedDataSetError reports a byte stream that does not parse as a
// DICOM data set. Offset is the position of the first unparseable byte and
// Expected names the structure that should have been there.
type MalformedDataSetError struct {
	Offset   int64
	Expected string
}

func (e *MalformedDataSetError) Error() string {
	return fmt.Sprintf("malformed data set at offset %d: expected %s", e.Offset, e.Expected)
}

// NewMalformedDataSetError creates a new malformed data set error
func NewMalformedDataSetError(offset int64, expected string) *MalformedDataSetError {
	return &MalformedDataSetError{Offset: offset, Expected: expected}
}

// MissingTagsError reports a decoded object without the identifying UIDs
// the indexer requires.
type MissingTagsError struct {
	Missing []string
}

func (e *MissingTagsError) Error() string {
	return fmt.Sprintf("identifying tags missing: %s", strings.Join(e.Missing, ", "))
}

// StorageWriteError reports a pixel payload that could not be written.
type StorageWriteError struct {
	Path string
	Err  error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write failed for %s: %v", e.Path, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// GeometryError reports a series whose instances cannot be stacked into a
// consistent volume. Surfaced to the caller, never silently approximated.
type GeometryError struct {
	SeriesInstanceUID string
	Reason            string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("inconsistent geometry in series %s: %s", e.SeriesInstanceUID, e.Reason)
}

// OverloadError reports that the reconstruction worker queue is full.
// Degradation is queue-then-fail: requests beyond the bound get this error
// instead of an unbounded pile-up.
type OverloadError struct {
	Queue string
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("overloaded: %s queue is full", e.Queue)
}

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// PDUError represents a PDU-level protocol error
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

// NewPDUError creates a new PDU error
func NewPDUError(pduType byte, msg string) *PDUError {
	return &PDUError{PDUType: pduType, Msg: msg}
}

// AbortError represents an A-ABORT PDU received from the peer
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	sourceStr := "unknown"
	if e.Source == 0x00 {
		sourceStr = "service-user"
	} else if e.Source == 0x02 {
		sourceStr = "service-provider"
	}
	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", sourceStr, e.Reason)
}
