// Package httpapi exposes the consultation engine over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"medconsult/internal/session"
	"medconsult/pkg"
)

// TurnHandler is satisfied by *orchestrator.Controller.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req pkg.TurnRequest) (*pkg.TurnResult, error)
}

// Server bundles the dependencies the HTTP handlers need and builds the
// router. It implements http.Handler.
type Server struct {
	Turns    TurnHandler
	Sessions session.Store
	Log      *logrus.Logger

	router *mux.Router
}

func NewServer(turns TurnHandler, sessions session.Store, log *logrus.Logger) *Server {
	s := &Server{Turns: turns, Sessions: sessions, Log: log}

	r := mux.NewRouter()
	r.Use(s.logging)
	r.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/turns", s.handleTurn).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createSessionRequest struct {
	PatientID string `json:"patient_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	PatientID string `json:"patient_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body is a valid anonymous-session request.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var pid *string
	if req.PatientID != "" {
		pid = &req.PatientID
	}
	sess, err := s.Sessions.Create(r.Context(), pid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	s.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		PatientID: req.PatientID,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Sessions.Clear(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req pkg.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Modality == "" {
		req.Modality = pkg.ModalityText
	}

	res, err := s.Turns.HandleTurn(r.Context(), req)
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// writeTurnError maps the controller's sentinel errors onto status codes.
// Anything unexpected is a 500 with the detail kept in the log, not the body.
func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pkg.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pkg.ErrMissingPatientContext):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pkg.ErrInvalidAttachment), errors.Is(err, pkg.ErrEmptyTurn):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.Log.WithError(err).WithField("path", r.URL.Path).Error("turn failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.WithError(err).Warn("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
		}).Info("request")
	})
}
