package services

import (
	"context"
	"errors"
	"testing"

	"github.com/halcyonimaging/pacscore/dicom"
	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/interfaces"
	"github.com/halcyonimaging/pacscore/internal/dcmtest"
	"github.com/halcyonimaging/pacscore/types"
)

type fakeIngestor struct {
	facilityID string
	objects    []*dicom.Object
	err        error
}

func (f *fakeIngestor) Ingest(ctx context.Context, facilityID string, obj *dicom.Object) error {
	f.facilityID = facilityID
	f.objects = append(f.objects, obj)
	return f.err
}

func storeDataset(t *testing.T) []byte {
	t.Helper()
	obj := dcmtest.CTSlice(dcmtest.SliceSpec{
		PatientID:      "PAT001",
		StudyUID:       "1.2.840.99.300",
		SeriesUID:      "1.2.840.99.300.1",
		SOPInstanceUID: "1.2.840.99.300.1.1",
		InstanceNumber: 1,
	})
	encoded, err := obj.Data.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return dicom.EncodePixelData(encoded, obj.PixelData.Native, 16, types.ExplicitVRLittleEndian)
}

func storeRequest() *types.Message {
	return &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              1,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.840.99.300.1.1",
		CommandDataSetType:     types.DataSetPresent,
		TransferSyntaxUID:      types.ExplicitVRLittleEndian,
	}
}

func TestEchoService(t *testing.T) {
	svc := NewEchoService(nil)
	rsp, data, err := svc.HandleDIMSE(context.Background(), &types.Message{
		CommandField:       types.CEchoRQ,
		MessageID:          9,
		CommandDataSetType: types.NoDataSet,
	}, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE failed: %v", err)
	}
	if data != nil {
		t.Error("C-ECHO response carries a dataset")
	}
	if rsp.CommandField != types.CEchoRSP || rsp.Status != types.StatusSuccess {
		t.Errorf("response = %+v, want C-ECHO-RSP success", rsp)
	}
	if rsp.MessageIDBeingRespondedTo != 9 {
		t.Errorf("responded-to ID = %d, want 9", rsp.MessageIDBeingRespondedTo)
	}
	if rsp.CommandDataSetType != types.NoDataSet {
		t.Errorf("data set type = 0x%04x, want no-data-set", rsp.CommandDataSetType)
	}
}

func TestStoreServiceSuccess(t *testing.T) {
	ingestor := &fakeIngestor{}
	svc := NewStoreService(ingestor, nil)

	ctx := interfaces.WithFacility(context.Background(), "fac-001", "WESTCLINIC")
	rsp, _, err := svc.HandleDIMSE(ctx, storeRequest(), storeDataset(t))
	if err != nil {
		t.Fatalf("HandleDIMSE failed: %v", err)
	}
	if rsp.Status != types.StatusSuccess {
		t.Errorf("status = 0x%04x, want success", rsp.Status)
	}
	if rsp.AffectedSOPInstanceUID != "1.2.840.99.300.1.1" {
		t.Errorf("response SOP instance = %q, request UIDs lost", rsp.AffectedSOPInstanceUID)
	}
	if ingestor.facilityID != "fac-001" {
		t.Errorf("facility = %q, context value lost", ingestor.facilityID)
	}
	if len(ingestor.objects) != 1 {
		t.Fatalf("ingested %d objects, want 1", len(ingestor.objects))
	}
	if got := ingestor.objects[0].Data.GetString(dicom.TagSOPInstanceUID); got != "1.2.840.99.300.1.1" {
		t.Errorf("decoded SOP instance = %q", got)
	}
}

func TestStoreServiceStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		ingestErr  error
		wantStatus uint16
	}{
		{
			name:       "empty dataset",
			data:       nil,
			wantStatus: types.StatusCannotUnderstand,
		},
		{
			name:       "garbage dataset",
			data:       []byte{0x01, 0x02, 0x03},
			wantStatus: types.StatusCannotUnderstand,
		},
		{
			name:       "missing identifying tags",
			ingestErr:  &dcmerr.MissingTagsError{Missing: []string{"PatientID"}},
			wantStatus: types.StatusProcessingFailure,
		},
		{
			name:       "storage write failure",
			ingestErr:  &dcmerr.StorageWriteError{Path: "ab/cd.raw", Err: errors.New("disk full")},
			wantStatus: types.StatusOutOfResources,
		},
		{
			name:       "unclassified ingest failure",
			ingestErr:  errors.New("badger transaction conflict"),
			wantStatus: types.StatusProcessingFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingestor := &fakeIngestor{err: tt.ingestErr}
			svc := NewStoreService(ingestor, nil)

			data := tt.data
			if data == nil && tt.ingestErr != nil {
				data = storeDataset(t)
			}
			rsp, _, err := svc.HandleDIMSE(context.Background(), storeRequest(), data)
			if err == nil {
				t.Fatal("expected handler error")
			}
			if rsp == nil {
				t.Fatal("failure must still carry a response")
			}
			if rsp.Status != tt.wantStatus {
				t.Errorf("status = 0x%04x, want 0x%04x", rsp.Status, tt.wantStatus)
			}
			if rsp.CommandField != types.CStoreRSP {
				t.Errorf("response command = 0x%04x, want C-STORE-RSP", rsp.CommandField)
			}
		})
	}
}

func TestRegistryRouting(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterHandler(types.CEchoRQ, NewEchoService(nil))

	if !reg.HasHandler(types.CEchoRQ) {
		t.Error("registered handler not found")
	}
	if reg.HasHandler(types.CStoreRQ) {
		t.Error("unregistered handler reported present")
	}

	rsp, _, err := reg.HandleDIMSE(context.Background(), &types.Message{
		CommandField:       types.CEchoRQ,
		MessageID:          1,
		CommandDataSetType: types.NoDataSet,
	}, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE failed: %v", err)
	}
	if rsp.CommandField != types.CEchoRSP {
		t.Errorf("response = 0x%04x, want C-ECHO-RSP", rsp.CommandField)
	}
}

func TestRegistryUnknownCommand(t *testing.T) {
	reg := NewRegistry(nil)

	rsp, _, err := reg.HandleDIMSE(context.Background(), &types.Message{
		CommandField:       types.CStoreRQ,
		MessageID:          5,
		CommandDataSetType: types.DataSetPresent,
	}, nil)
	if err == nil {
		t.Fatal("expected error for unregistered command")
	}
	if rsp == nil || rsp.Status != types.StatusSOPClassNotSupported {
		t.Fatalf("response = %+v, want SOP-class-not-supported", rsp)
	}
	if rsp.CommandField != types.CStoreRSP {
		t.Errorf("response command = 0x%04x, want C-STORE-RSP", rsp.CommandField)
	}
	if rsp.MessageIDBeingRespondedTo != 5 {
		t.Errorf("responded-to ID = %d, want 5", rsp.MessageIDBeingRespondedTo)
	}
}
