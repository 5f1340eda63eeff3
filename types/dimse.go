package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
)

// DIMSE Status codes (DICOM Part 7, Annex C)
const (
	StatusSuccess = 0x0000

	// StatusOutOfResources - the SCP could not store the object
	StatusOutOfResources = 0xA700

	// StatusProcessingFailure - the object was understood but could not be
	// processed (e.g. required identifying tags absent)
	StatusProcessingFailure = 0x0110

	// StatusCannotUnderstand - the data set could not be parsed
	StatusCannotUnderstand = 0xC000

	// StatusSOPClassNotSupported - no handler for the affected SOP class
	StatusSOPClassNotSupported = 0x0122
)

// CommandDataSetType values for (0000,0800)
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16

	// TransferSyntaxUID is the negotiated transfer syntax of the
	// presentation context the message arrived on. Filled in by the DIMSE
	// layer so handlers can decode the accompanying dataset.
	TransferSyntaxUID string
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}
