package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halcyonimaging/pacscore/interfaces"
	"github.com/halcyonimaging/pacscore/types"
)

// Message control header bits (PS3.8 9.3.5.1):
// bit 0 set = command fragment, bit 1 set = last fragment.
const (
	ctrlCommand      = 0x01
	ctrlLastFragment = 0x02
)

// Service reassembles PDV fragments into complete DIMSE messages and
// dispatches them. One Service instance serves one association, so the
// accumulation state needs no locking.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *slog.Logger
}

// NewService creates a DIMSE service backed by the given handler.
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// HandleDIMSEMessage accumulates one PDV fragment and, once the message
// is complete, dispatches it to the handler.
func (d *Service) HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	d.logger.Debug("Processing DIMSE fragment",
		"context_id", presContextID,
		"control_header", fmt.Sprintf("0x%02x", msgCtrlHeader),
		"size_bytes", len(data))

	isCommand := (msgCtrlHeader & ctrlCommand) != 0
	isLastFragment := (msgCtrlHeader & ctrlLastFragment) != 0

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if !isLastFragment {
			return nil
		}

		msg, err := ParseCommand(d.commandData, d.logger)
		if err != nil {
			d.reset()
			return fmt.Errorf("failed to parse DIMSE command: %w", err)
		}
		d.currentMsg = msg
		d.commandData = nil

		if msg.CommandDataSetType == types.NoDataSet {
			return d.processCompleteMessage(ctx, presContextID, pduLayer)
		}
		return nil
	}

	d.datasetData = append(d.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(ctx, presContextID, pduLayer)
	}
	return nil
}

// processCompleteMessage dispatches one complete message. Handler errors
// are not returned upward: the handler has already encoded the failure in
// the response status, and the association must survive a failed object.
func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer interfaces.PDULayer) error {
	if d.currentMsg == nil {
		d.reset()
		return fmt.Errorf("dataset fragment without a preceding command")
	}

	msg := d.currentMsg
	dataset := d.datasetData
	d.reset()

	ts, err := pduLayer.TransferSyntaxFor(presContextID)
	if err != nil {
		return fmt.Errorf("no transfer syntax for context %d: %w", presContextID, err)
	}
	msg.TransferSyntaxUID = ts

	d.logger.Info("Processing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"dataset_size", len(dataset))

	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, msg, dataset)
	if err != nil {
		// The failure belongs to this object only. Log it and send the
		// handler's response; if the handler gave none, synthesize a
		// processing failure.
		d.logger.Warn("DIMSE handler failed",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
			"message_id", msg.MessageID,
			"error", err)
		if responseMsg == nil {
			responseMsg = &types.Message{
				CommandField:              types.ResponseCommandFor(msg.CommandField),
				MessageIDBeingRespondedTo: msg.MessageID,
				AffectedSOPClassUID:       msg.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
				CommandDataSetType:        types.NoDataSet,
				Status:                    types.StatusProcessingFailure,
			}
		}
	}
	if responseMsg == nil {
		return nil // no response expected
	}

	commandData := EncodeCommand(responseMsg)
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, responseData)
}

func (d *Service) reset() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
}
