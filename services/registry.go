package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halcyonimaging/pacscore/interfaces"
	"github.com/halcyonimaging/pacscore/types"
)

// Registry routes DIMSE messages to the handler registered for their
// command field.
type Registry struct {
	handlers map[uint16]interfaces.ServiceHandler
	logger   *slog.Logger
}

// NewRegistry creates an empty service registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[uint16]interfaces.ServiceHandler),
		logger:   logger,
	}
}

// RegisterHandler registers a handler for a command field, replacing any
// previous registration.
func (r *Registry) RegisterHandler(commandField uint16, handler interfaces.ServiceHandler) {
	r.handlers[commandField] = handler
}

// HasHandler reports whether a handler is registered for the command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	_, ok := r.handlers[commandField]
	return ok
}

// HandleDIMSE routes a message to its handler. Unknown commands get a
// SOP-class-not-supported response instead of tearing the association
// down.
func (r *Registry) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	handler, ok := r.handlers[msg.CommandField]
	if !ok {
		r.logger.WarnContext(ctx, "No handler for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
		return ErrorResponse(msg, types.StatusSOPClassNotSupported), nil,
			fmt.Errorf("unsupported DIMSE command: 0x%04x", msg.CommandField)
	}
	return handler.HandleDIMSE(ctx, msg, data)
}

// ErrorResponse builds a failure response for the given request.
func ErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

func callingAE(ctx context.Context) string {
	return interfaces.CallingAEFromContext(ctx)
}
