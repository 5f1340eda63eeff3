package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/halcyonimaging/pacscore/dicom"
	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/interfaces"
	"github.com/halcyonimaging/pacscore/metrics"
	"github.com/halcyonimaging/pacscore/types"
)

// Ingestor persists a decoded object on behalf of a facility. Implemented
// by the storage indexer.
type Ingestor interface {
	Ingest(ctx context.Context, facilityID string, obj *dicom.Object) error
}

// StoreService handles C-STORE requests: decode the data set in the
// negotiated transfer syntax, hand it to the indexer, and map failures to
// DIMSE statuses. A failed object never takes the association down.
type StoreService struct {
	ingestor Ingestor
	logger   *slog.Logger
}

// NewStoreService creates a C-STORE service backed by the given ingestor.
func NewStoreService(ingestor Ingestor, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{ingestor: ingestor, logger: logger}
}

// HandleDIMSE processes one C-STORE-RQ. The response always carries the
// request's affected SOP class and instance UIDs; the status encodes the
// outcome.
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	s.logger.InfoContext(ctx, "C-STORE",
		"message_id", msg.MessageID,
		"sop_class", msg.AffectedSOPClassUID,
		"sop_instance", msg.AffectedSOPInstanceUID,
		"calling_ae", callingAE(ctx),
		"dataset_bytes", len(data))

	if len(data) == 0 {
		metrics.StoreRequests.WithLabelValues("cannot_understand").Inc()
		return s.response(msg, types.StatusCannotUnderstand), nil, dcmerr.ErrInvalidMessage
	}

	obj, err := dicom.DecodeDataSet(bytes.NewReader(data), msg.TransferSyntaxUID)
	if err != nil {
		status, outcome := storeStatusFor(err)
		metrics.StoreRequests.WithLabelValues(outcome).Inc()
		s.logger.WarnContext(ctx, "C-STORE data set rejected",
			"message_id", msg.MessageID,
			"sop_instance", msg.AffectedSOPInstanceUID,
			"error", err)
		return s.response(msg, status), nil, err
	}

	facilityID := interfaces.FacilityFromContext(ctx)
	if err := s.ingestor.Ingest(ctx, facilityID, obj); err != nil {
		status, outcome := storeStatusFor(err)
		metrics.StoreRequests.WithLabelValues(outcome).Inc()
		s.logger.WarnContext(ctx, "C-STORE ingest failed",
			"message_id", msg.MessageID,
			"sop_instance", msg.AffectedSOPInstanceUID,
			"facility_id", facilityID,
			"error", err)
		return s.response(msg, status), nil, err
	}

	metrics.StoreRequests.WithLabelValues("success").Inc()
	return s.response(msg, types.StatusSuccess), nil, nil
}

func (s *StoreService) response(msg *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// storeStatusFor maps an ingest or decode error to a DIMSE status and a
// metric outcome label.
func storeStatusFor(err error) (uint16, string) {
	var malformed *dcmerr.MalformedDataSetError
	var missing *dcmerr.MissingTagsError
	var storage *dcmerr.StorageWriteError
	switch {
	case errors.As(err, &malformed),
		errors.Is(err, dcmerr.ErrUnsupportedTransfer),
		errors.Is(err, dcmerr.ErrInvalidMessage):
		return types.StatusCannotUnderstand, "cannot_understand"
	case errors.As(err, &storage):
		return types.StatusOutOfResources, "out_of_resources"
	case errors.As(err, &missing):
		return types.StatusProcessingFailure, "processing_failure"
	default:
		return types.StatusProcessingFailure, "processing_failure"
	}
}
