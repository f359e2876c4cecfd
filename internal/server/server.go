// Package server exposes the HTTP surface: session controls, spotlight
// retrieval, the live MJPEG stream, websocket push and health/metrics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"spotcam/internal/metrics"
	"spotcam/internal/pipeline"
	"spotcam/internal/selection"
	"spotcam/internal/session"
	"spotcam/internal/spotlight"
	"spotcam/internal/ws"
)

// Server wires the controller and its collaborators behind a chi router.
type Server struct {
	controller *session.Controller
	presenter  *spotlight.Presenter
	bus        *pipeline.EventBus
	detector   pipeline.Detector
	wsHandler  *ws.Handler
	metrics    *metrics.Metrics
	log        zerolog.Logger
	validate   *validator.Validate

	// Latest annotated frame, kept for the snapshot endpoint and for
	// MJPEG clients that connect between cycles.
	frameMu   sync.RWMutex
	lastFrame []byte
}

// New builds the server and subscribes it to the event bus.
func New(ctrl *session.Controller, presenter *spotlight.Presenter, bus *pipeline.EventBus, detector pipeline.Detector, hub *ws.Hub, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		controller: ctrl,
		presenter:  presenter,
		bus:        bus,
		detector:   detector,
		wsHandler:  ws.NewHandler(hub),
		metrics:    m,
		log:        log,
		validate:   validator.New(),
	}
	bus.Subscribe(s)
	return s
}

// OnRefreshResult implements pipeline.ResultHandler, retaining the most
// recent annotated frame.
func (s *Server) OnRefreshResult(result *pipeline.RefreshResult) {
	if len(result.Overlay) == 0 {
		return
	}
	s.frameMu.Lock()
	s.lastFrame = result.Overlay
	s.frameMu.Unlock()
}

// Router assembles all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/flip", s.handleFlip)
			r.Post("/threshold", s.handleThreshold)
			r.Post("/pick", s.handlePick)
		})
		r.Get("/status", s.handleStatus)
		r.Get("/spotlight", s.handleSpotlight)
		r.Post("/spotlight/dismiss", s.handleDismiss)
	})

	r.Get("/video/stream", s.handleStream)
	r.Get("/video/snapshot", s.handleSnapshot)
	r.Get("/ws", s.wsHandler.ServeHTTP)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Start(r.Context()); err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "already_running", err)
			return
		}
		s.writeError(w, http.StatusBadGateway, "camera_unavailable", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "stop_failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleFlip(w http.ResponseWriter, r *http.Request) {
	orientation, err := s.controller.Flip(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "not_running", err)
			return
		}
		s.writeError(w, http.StatusBadGateway, "switch_failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orientation": orientation})
}

type thresholdRequest struct {
	Threshold float64 `json:"threshold" validate:"gte=0,lte=1"`
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "threshold_range", session.ErrThresholdRange)
		return
	}
	if err := s.controller.SetThreshold(r.Context(), req.Threshold); err != nil {
		if errors.Is(err, session.ErrThresholdRange) {
			s.writeError(w, http.StatusBadRequest, "threshold_range", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "threshold_failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"threshold": req.Threshold})
}

func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.Pick(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotRunning):
			s.writeError(w, http.StatusConflict, "not_running", err)
		case errors.Is(err, selection.ErrNoCandidates):
			s.writeError(w, http.StatusConflict, "no_candidates", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "pick_failed", err)
		}
		return
	}

	resp := map[string]any{
		"index":      result.Index,
		"candidates": result.Candidates,
	}
	if result.Entry != nil {
		resp["spotlight"] = result.Entry
	} else {
		// Pick succeeded but the crop was unusable; the highlight is
		// armed and the notice went out on the bus.
		resp["spotlight"] = nil
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleSpotlight(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.presenter.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no_spotlight", errors.New("nothing presented"))
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.controller.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves annotated frames as multipart/x-mixed-replace.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	frames, unsubscribe := s.bus.SubscribeChannel(5)
	defer unsubscribe()

	// Serve the retained frame immediately so the client is not blank
	// until the next cycle.
	if frame := s.snapshotFrame(); frame != nil {
		if err := writeMJPEGFrame(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case result, ok := <-frames:
			if !ok {
				return
			}
			if len(result.Overlay) == 0 {
				continue
			}
			if err := writeMJPEGFrame(w, result.Overlay); err != nil {
				s.metrics.FramesDropped.Add(1)
				return
			}
			flusher.Flush()
		}
	}
}

func writeMJPEGFrame(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame := s.snapshotFrame()
	if frame == nil {
		s.writeError(w, http.StatusNotFound, "no_frame", errors.New("no frame rendered yet"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}

func (s *Server) snapshotFrame() []byte {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.lastFrame
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"running":  s.controller.Running(),
		"detector": s.detector.IsHealthy(),
	}
	code := http.StatusOK
	if !s.detector.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	s.writeJSON(w, status, map[string]any{
		"code":  code,
		"error": err.Error(),
	})
}
