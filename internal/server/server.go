package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"symptomtracker/internal/apperr"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/metrics"
	"symptomtracker/internal/models"
)

const (
	defaultHistoryDays = 30
	defaultAlertDays   = 7
	maxBodyBytes       = 1 << 20
)

// Tracker is the part of the tracking service the HTTP layer needs
type Tracker interface {
	LogObservation(ctx context.Context, in models.ObservationInput) (models.LogResult, error)
	GetHistory(ctx context.Context, subjectID string, since time.Time) []models.Observation
	GetAlerts(ctx context.Context, subjectID string, since time.Time) []models.Alert
	GetRecommendations(ctx context.Context, subjectID string) []models.Recommendation
	MarkAlertRead(ctx context.Context, subjectID, alertID string) error
}

// Server represents the HTTP server
type Server struct {
	tracker Tracker
	log     *logger.Logger
	now     func() time.Time
	router  *mux.Router
}

// NewServer creates a new HTTP server
func NewServer(tracker Tracker, log *logger.Logger) *Server {
	s := &Server{
		tracker: tracker,
		log:     log.Component("http"),
		now:     time.Now,
		router:  mux.NewRouter(),
	}

	// Register routes
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/symptoms/log", s.handleLogObservation).Methods(http.MethodPost)
	api.HandleFunc("/symptoms/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{alertID}/read", s.handleMarkAlertRead).Methods(http.MethodPost)
	api.HandleFunc("/recommendations", s.handleRecommendations).Methods(http.MethodGet)
	api.Use(s.timingMiddleware)

	return s
}

// Handler exposes the router for http.Server and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(route))
		defer timer.ObserveDuration()

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns the server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogObservation(w http.ResponseWriter, r *http.Request) {
	var in models.ObservationInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		respondError(w, apperr.Validation("invalid request body", map[string]string{"body": err.Error()}))
		return
	}

	result, err := s.tracker.LogObservation(r.Context(), in)
	if err != nil {
		s.logFailure(r, err)
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	subjectID, since, ok := s.subjectWindow(w, r, defaultHistoryDays)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.GetHistory(r.Context(), subjectID, since))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	subjectID, since, ok := s.subjectWindow(w, r, defaultAlertDays)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.GetAlerts(r.Context(), subjectID, since))
}

func (s *Server) handleMarkAlertRead(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}
	alertID := mux.Vars(r)["alertID"]

	if err := s.tracker.MarkAlertRead(r.Context(), subjectID, alertID); err != nil {
		s.logFailure(r, err)
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.tracker.GetRecommendations(r.Context(), subjectID))
}

// subjectWindow reads user_id and the days look-back window from the query
func (s *Server) subjectWindow(w http.ResponseWriter, r *http.Request, defaultDays int) (string, time.Time, bool) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return "", time.Time{}, false
	}

	days := defaultDays
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		d, err := strconv.Atoi(daysStr)
		if err != nil || d < 1 {
			respondError(w, apperr.Validation("invalid query", map[string]string{"days": "must be a positive integer"}))
			return "", time.Time{}, false
		}
		days = d
	}

	return subjectID, s.now().AddDate(0, 0, -days), true
}

func requireSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	subjectID := r.URL.Query().Get("user_id")
	if subjectID == "" {
		respondError(w, apperr.Validation("invalid query", map[string]string{"user_id": "is required"}))
		return "", false
	}
	return subjectID, true
}

func (s *Server) logFailure(r *http.Request, err error) {
	if apperr.IsValidation(err) {
		s.log.Debug("rejected request", "path", r.URL.Path, "error", err)
		return
	}
	s.log.Error("request failed", "path", r.URL.Path, "error", err)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	}

	body := map[string]any{"error": appErr.Message}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	respondJSON(w, status, body)
}
