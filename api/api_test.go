package api

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/halcyonimaging/pacscore/cache"
	"github.com/halcyonimaging/pacscore/index"
	"github.com/halcyonimaging/pacscore/internal/dcmtest"
	"github.com/halcyonimaging/pacscore/viewer"
	"github.com/halcyonimaging/pacscore/volume"
)

const testSeriesUID = "1.2.840.99.500.1"

// newTestHandler stands up the read stack with a three-slice CT series
// already ingested.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	blobs, err := index.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	repo := index.NewMemStore()
	indexer := index.NewIndexer(repo, blobs, nil, nil)
	builder := volume.NewBuilder(repo, blobs, nil)
	volumes, err := cache.New(builder, indexer, cache.Options{}, nil)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	indexer.SetInvalidator(volumes)

	for i, hu := range []float64{0, 100, 200} {
		obj := dcmtest.CTSlice(dcmtest.SliceSpec{
			PatientID:      "PAT001",
			StudyUID:       "1.2.840.99.500",
			SeriesUID:      testSeriesUID,
			SOPInstanceUID: sopUID(i + 1),
			InstanceNumber: i + 1,
			PositionZ:      float64(i) * 10,
			Value:          dcmtest.StoredValueForHU(hu, -1024),
		})
		if err := indexer.Ingest(context.Background(), "fac-001", obj); err != nil {
			t.Fatalf("Ingest slice %d failed: %v", i+1, err)
		}
	}

	view := viewer.New(repo, blobs, volumes, nil)
	return NewServer(view, nil).Router()
}

func sopUID(n int) string {
	return testSeriesUID + "." + strconv.Itoa(n)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRenderInstance(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/api/instances/"+sopUID(1)+"/render?center=40&width=400", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
	if c := rec.Header().Get("X-Window-Center"); c != "40" {
		t.Errorf("window center header = %q, want 40", c)
	}
	if w := rec.Header().Get("X-Window-Width"); w != "400" {
		t.Errorf("window width header = %q, want 400", w)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("body is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Errorf("image = %v, want 16x16", img.Bounds())
	}
}

func TestRenderInstanceBadParams(t *testing.T) {
	h := newTestHandler(t)

	for _, target := range []string{
		"/api/instances/" + sopUID(1) + "/render?frame=x",
		"/api/instances/" + sopUID(1) + "/render?center=40",
		"/api/instances/" + sopUID(1) + "/render?center=40&width=abc",
	} {
		if rec := do(t, h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestRenderUnknownInstance(t *testing.T) {
	h := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "/api/instances/1.2.3.999/render", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("error body carries no message")
	}
}

func TestVolumeSessionLifecycle(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/series/"+testSeriesUID+"/volume", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body %s", rec.Code, rec.Body.String())
	}
	var info viewer.VolumeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("open body: %v", err)
	}
	if info.Handle == "" {
		t.Fatal("no handle returned")
	}
	if info.Slices != 3 || info.Columns != 16 || info.Rows != 16 {
		t.Errorf("info = %+v, want 16x16x3", info)
	}
	if info.Spacing[2] != 10 {
		t.Errorf("slice spacing = %g, want 10", info.Spacing[2])
	}

	rec = do(t, h, http.MethodGet, "/api/volumes/"+info.Handle+"/plane?orientation=axial&index=1&center=100&width=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("plane status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("plane body is not a PNG: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/api/volumes/"+info.Handle+"/project?kind=minip&center=0&width=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("project status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodDelete, "/api/volumes/"+info.Handle, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/volumes/"+info.Handle+"/plane?orientation=axial", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("plane after close status = %d, want 404", rec.Code)
	}
}

func TestObliquePlane(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/series/"+testSeriesUID+"/volume", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d", rec.Code)
	}
	var info viewer.VolumeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("open body: %v", err)
	}

	body := `{
		"orientation": "oblique",
		"origin": [0, 0, 10],
		"x_dir": [1, 0, 0],
		"y_dir": [0, 1, 0],
		"width": 16,
		"height": 16
	}`
	rec = do(t, h, http.MethodPost, "/api/volumes/"+info.Handle+"/plane", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("oblique status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("oblique body is not a PNG: %v", err)
	}

	// A zero direction vector is a client error, not a server fault.
	rec = do(t, h, http.MethodPost, "/api/volumes/"+info.Handle+"/plane", `{
		"orientation": "oblique",
		"x_dir": [0, 0, 0],
		"y_dir": [0, 1, 0],
		"width": 16,
		"height": 16
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero direction status = %d, want 400", rec.Code)
	}
}

func TestOpenVolumeUnknownSeries(t *testing.T) {
	h := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/api/series/1.2.3.999/volume", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMeasure(t *testing.T) {
	h := newTestHandler(t)

	body := `{"ellipse": {"center_x": 8, "center_y": 8, "radius_x": 4, "radius_y": 4}}`
	rec := do(t, h, http.MethodPost, "/api/instances/"+sopUID(1)+"/measure", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var m viewer.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("measure body: %v", err)
	}
	if m.Stats.Mean != 0 || m.Stats.StdDev != 0 {
		t.Errorf("stats = %+v, want uniform 0 HU", m.Stats)
	}
	if m.Tissue != "water" {
		t.Errorf("tissue = %q, want water at 0 HU", m.Tissue)
	}
}

func TestMeasureRequiresExactlyOneShape(t *testing.T) {
	h := newTestHandler(t)

	for _, body := range []string{
		`{}`,
		`{"ellipse": {"center_x": 8, "center_y": 8, "radius_x": 2, "radius_y": 2},
		  "polygon": {"vertices": [{"x":0,"y":0},{"x":4,"y":0},{"x":4,"y":4}]}}`,
		`not json`,
	} {
		rec := do(t, h, http.MethodPost, "/api/instances/"+sopUID(1)+"/measure", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q status = %d, want 400", body, rec.Code)
		}
	}
}

func TestMeasurePlane(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/series/"+testSeriesUID+"/volume", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d", rec.Code)
	}
	var info viewer.VolumeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("open body: %v", err)
	}

	// The middle slice is uniformly 100 HU.
	body := `{
		"plane": {"orientation": "axial", "index": 1},
		"ellipse": {"center_x": 8, "center_y": 8, "radius_x": 4, "radius_y": 4}
	}`
	rec = do(t, h, http.MethodPost, "/api/volumes/"+info.Handle+"/measure", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var m viewer.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("measure body: %v", err)
	}
	if m.Stats.Mean != 100 || m.Stats.StdDev != 0 {
		t.Errorf("stats = %+v, want uniform 100 HU", m.Stats)
	}
	if m.Tissue != "muscle" {
		t.Errorf("tissue = %q, want muscle at 100 HU", m.Tissue)
	}

	// Shape rules match the instance measure endpoint.
	rec = do(t, h, http.MethodPost, "/api/volumes/"+info.Handle+"/measure", `{"plane": {"orientation": "axial", "index": 1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no shape status = %d, want 400", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/volumes/nosuchhandle/measure", body)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown handle status = %d, want 404", rec.Code)
	}
}

func TestMeasureEmptyRegion(t *testing.T) {
	h := newTestHandler(t)
	body := `{"ellipse": {"center_x": -50, "center_y": -50, "radius_x": 2, "radius_y": 2}}`
	rec := do(t, h, http.MethodPost, "/api/instances/"+sopUID(1)+"/measure", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}
