// Package services implements the DIMSE service classes the SCP offers:
// verification (C-ECHO) and storage (C-STORE), plus the registry that
// routes commands to them.
package services

import (
	"context"
	"log/slog"

	"github.com/halcyonimaging/pacscore/types"
)

// EchoService handles C-ECHO verification requests. Stateless; it is the
// DICOM equivalent of a ping.
type EchoService struct {
	logger *slog.Logger
}

// NewEchoService creates a C-ECHO service instance.
func NewEchoService(logger *slog.Logger) *EchoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoService{logger: logger}
}

// HandleDIMSE processes a C-ECHO-RQ and returns a success response.
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	s.logger.InfoContext(ctx, "C-ECHO",
		"message_id", msg.MessageID,
		"calling_ae", callingAE(ctx))

	response := &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.NoDataSet,
		Status:                    types.StatusSuccess,
	}
	return response, nil, nil
}
