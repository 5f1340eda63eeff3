// Package api exposes the viewer over HTTP: instance rendering, volume
// sessions, multiplanar and projection views, and ROI measurement.
package api

import (
	"errors"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
	"github.com/halcyonimaging/pacscore/roi"
	"github.com/halcyonimaging/pacscore/viewer"
	"github.com/halcyonimaging/pacscore/volume"
)

// Server is the HTTP viewer API.
type Server struct {
	viewer *viewer.Viewer
	logger *slog.Logger
}

// NewServer creates the API server over a viewer.
func NewServer(v *viewer.Viewer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{viewer: v, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/instances/{sopInstanceUID}/render", s.handleRender)
		r.Post("/instances/{sopInstanceUID}/measure", s.handleMeasure)

		r.Post("/series/{seriesInstanceUID}/volume", s.handleOpenVolume)

		r.Route("/volumes/{handle}", func(r chi.Router) {
			r.Delete("/", s.handleCloseVolume)
			r.Get("/plane", s.handlePlane)
			r.Post("/plane", s.handleObliquePlane)
			r.Get("/project", s.handleProject)
			r.Post("/measure", s.handleMeasurePlane)
		})
	})
	return r
}

// renderOptionsFromQuery reads frame/preset/center/width parameters.
func renderOptionsFromQuery(r *http.Request) (viewer.RenderOptions, error) {
	opts := viewer.RenderOptions{Preset: r.URL.Query().Get("preset")}
	if f := r.URL.Query().Get("frame"); f != "" {
		n, err := strconv.Atoi(f)
		if err != nil {
			return opts, errors.New("frame must be an integer")
		}
		opts.Frame = n
	}
	centerStr := r.URL.Query().Get("center")
	widthStr := r.URL.Query().Get("width")
	if centerStr != "" || widthStr != "" {
		center, err1 := strconv.ParseFloat(centerStr, 64)
		width, err2 := strconv.ParseFloat(widthStr, 64)
		if err1 != nil || err2 != nil {
			return opts, errors.New("center and width must both be numeric")
		}
		opts.Window = &imaging.Window{Center: center, Width: width}
	}
	return opts, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	opts, err := renderOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	img, win, err := s.viewer.RenderInstance(r.Context(), chi.URLParam(r, "sopInstanceUID"), opts)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writePNG(w, r, img, win)
}

func (s *Server) handleOpenVolume(w http.ResponseWriter, r *http.Request) {
	info, err := s.viewer.OpenVolume(r.Context(), chi.URLParam(r, "seriesInstanceUID"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleCloseVolume(w http.ResponseWriter, r *http.Request) {
	s.viewer.CloseVolume(chi.URLParam(r, "handle"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlane(w http.ResponseWriter, r *http.Request) {
	req := volume.PlaneRequest{Orientation: r.URL.Query().Get("orientation")}
	if idx := r.URL.Query().Get("index"); idx != "" {
		n, err := strconv.Atoi(idx)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New("index must be an integer"))
			return
		}
		req.Index = n
	}
	opts, err := renderOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	img, win, err := s.viewer.Plane(r.Context(), chi.URLParam(r, "handle"), req, opts)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writePNG(w, r, img, win)
}

// handleObliquePlane takes the full plane request as a JSON body; the
// oblique parameters do not fit in query strings comfortably.
func (s *Server) handleObliquePlane(w http.ResponseWriter, r *http.Request) {
	var req volume.PlaneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	opts, err := renderOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	img, win, err := s.viewer.Plane(r.Context(), chi.URLParam(r, "handle"), req, opts)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writePNG(w, r, img, win)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = volume.ProjectionMIP
	}
	opts, err := renderOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	img, win, err := s.viewer.Project(r.Context(), chi.URLParam(r, "handle"), kind, opts)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writePNG(w, r, img, win)
}

// regionSpec carries exactly one region shape.
type regionSpec struct {
	Ellipse *struct {
		CenterX float64 `json:"center_x"`
		CenterY float64 `json:"center_y"`
		RadiusX float64 `json:"radius_x"`
		RadiusY float64 `json:"radius_y"`
	} `json:"ellipse,omitempty"`
	Polygon *struct {
		Vertices []roi.Point `json:"vertices"`
	} `json:"polygon,omitempty"`
}

func (rs *regionSpec) region() (roi.Region, error) {
	switch {
	case rs.Ellipse != nil && rs.Polygon == nil:
		return roi.Ellipse{
			CenterX: rs.Ellipse.CenterX, CenterY: rs.Ellipse.CenterY,
			RadiusX: rs.Ellipse.RadiusX, RadiusY: rs.Ellipse.RadiusY,
		}, nil
	case rs.Polygon != nil && rs.Ellipse == nil:
		return roi.Polygon{Vertices: rs.Polygon.Vertices}, nil
	default:
		return nil, errors.New("request must carry exactly one of ellipse or polygon")
	}
}

type measureRequest struct {
	Frame int `json:"frame"`
	regionSpec
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req measureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	region, err := req.region()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	m, err := s.viewer.Measure(r.Context(), chi.URLParam(r, "sopInstanceUID"), req.Frame, region)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// measurePlaneRequest targets a resampled plane of an open volume
// session instead of a stored instance.
type measurePlaneRequest struct {
	Plane volume.PlaneRequest `json:"plane"`
	regionSpec
}

func (s *Server) handleMeasurePlane(w http.ResponseWriter, r *http.Request) {
	var req measurePlaneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	region, err := req.region()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	m, err := s.viewer.MeasurePlane(r.Context(), chi.URLParam(r, "handle"), req.Plane, region)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, img *image.Gray, win imaging.Window) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Window-Center", strconv.FormatFloat(win.Center, 'f', -1, 64))
	w.Header().Set("X-Window-Width", strconv.FormatFloat(win.Width, 'f', -1, 64))
	if err := png.Encode(w, img); err != nil {
		s.logger.Warn("Failed to encode PNG response", "error", err, "path", r.URL.Path)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Warn("Request failed",
		"path", r.URL.Path,
		"status", status,
		"error", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeMappedError translates domain errors to HTTP statuses.
func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var geo *dcmerr.GeometryError
	var overload *dcmerr.OverloadError
	switch {
	case errors.Is(err, dcmerr.ErrInstanceNotFound),
		errors.Is(err, dcmerr.ErrSeriesNotFound),
		errors.Is(err, dcmerr.ErrVolumeHandleUnknown):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, dcmerr.ErrInvalidPlane):
		s.writeError(w, r, http.StatusBadRequest, err)
	case errors.As(err, &geo), errors.Is(err, dcmerr.ErrSeriesNotStackable),
		errors.Is(err, dcmerr.ErrEmptyRegion):
		s.writeError(w, r, http.StatusUnprocessableEntity, err)
	case errors.As(err, &overload):
		s.writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}
