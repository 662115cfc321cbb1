// Package tracker is the core symptom tracking service
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"symptomtracker/internal/alerts"
	"symptomtracker/internal/analysis"
	"symptomtracker/internal/apperr"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/metrics"
	"symptomtracker/internal/models"
	"symptomtracker/internal/recommend"
	"symptomtracker/internal/store"
)

const (
	statusSuccess = "success"

	publishQueueSize = 256
	publishTimeout   = 10 * time.Second
)

// AlertSink receives newly derived alerts after they are stored
type AlertSink interface {
	PublishAlerts(ctx context.Context, alerts []models.Alert) error
}

// Service logs observations and serves the derived records
type Service struct {
	store           *store.Store
	analyzer        *analysis.Analyzer
	alerts          *alerts.Deriver
	recommendations *recommend.Deriver
	log             *logger.Logger

	now   func() time.Time
	newID func() string

	locks keyedMutex

	// alert fan-out runs on its own goroutine so a slow sink never holds up a request
	sink      AlertSink
	publishMu sync.RWMutex
	publishQ  chan []models.Alert
	closed    bool
	publishWG sync.WaitGroup
}

// Option customizes a Service
type Option func(*Service)

// WithAlertSink publishes derived alerts to sink in the background
func WithAlertSink(sink AlertSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source for observation defaults and derived records
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the service. Call Close to flush pending alert publishes.
func NewService(st *store.Store, analyzer *analysis.Analyzer, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		analyzer: analyzer,
		log:      log.Component("tracker"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.alerts = alerts.NewDeriver(s.now)
	s.recommendations = recommend.NewDeriver(s.now)

	if s.sink != nil {
		s.publishQ = make(chan []models.Alert, publishQueueSize)
		s.publishWG.Add(1)
		go s.publishLoop()
	}
	return s
}

// LogObservation validates, analyzes and stores one observation together with the
// alerts and recommendations derived from it. Only validation errors are returned;
// storage and model failures degrade without failing the request.
func (s *Service) LogObservation(ctx context.Context, in models.ObservationInput) (models.LogResult, error) {
	obs, err := in.Validate(s.now())
	if err != nil {
		return models.LogResult{}, err
	}
	obs.ID = s.newID()

	result, derivedAlerts, derivedRecs := s.analyzeAndStore(ctx, obs)
	s.enqueueAlerts(derivedAlerts)

	if derivedAlerts == nil {
		derivedAlerts = []models.Alert{}
	}
	if derivedRecs == nil {
		derivedRecs = []models.Recommendation{}
	}

	return models.LogResult{
		ObservationID:   obs.ID,
		Status:          statusSuccess,
		Analysis:        result,
		Alerts:          derivedAlerts,
		Recommendations: derivedRecs,
	}, nil
}

// analyzeAndStore runs the read-analyze-append sequence under the subject's lock
func (s *Service) analyzeAndStore(ctx context.Context, obs models.Observation) (models.AnalysisResult, []models.Alert, []models.Recommendation) {
	unlock := s.locks.Lock(obs.SubjectID)
	defer unlock()

	s.loadSubject(ctx, obs.SubjectID)
	history := s.store.Observations(obs.SubjectID)

	result := s.analyzer.Analyze(history, obs)
	derivedAlerts := s.alerts.Derive(obs, result)
	derivedRecs := s.recommendations.Derive(obs, result)

	obs.Analysis = &result
	// storage errors are logged by the store and never fail the request
	_ = s.store.AppendObservation(ctx, obs)
	_ = s.store.AppendAlerts(ctx, obs.SubjectID, derivedAlerts)
	_ = s.store.AppendRecommendations(ctx, obs.SubjectID, derivedRecs)

	s.record(obs, result, derivedAlerts, derivedRecs)
	return result, derivedAlerts, derivedRecs
}

// enqueueAlerts hands alerts to the publisher without blocking. A full queue drops them.
func (s *Service) enqueueAlerts(derived []models.Alert) {
	if s.sink == nil || len(derived) == 0 {
		return
	}

	s.publishMu.RLock()
	defer s.publishMu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.publishQ <- derived:
	default:
		metrics.RecordPublishDropped(len(derived))
		s.log.Warn("alert publish queue full, dropping alerts",
			"subject_id", derived[0].SubjectID, "alerts", len(derived))
	}
}

func (s *Service) publishLoop() {
	defer s.publishWG.Done()

	for batch := range s.publishQ {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.sink.PublishAlerts(ctx, batch); err != nil {
			s.log.Warn("failed to publish alerts", "subject_id", batch[0].SubjectID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting alerts for publishing and waits for queued ones to be sent
func (s *Service) Close() {
	if s.publishQ == nil {
		return
	}

	s.publishMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.publishQ)
	}
	s.publishMu.Unlock()

	s.publishWG.Wait()
}

func (s *Service) record(obs models.Observation, result models.AnalysisResult, derivedAlerts []models.Alert, derivedRecs []models.Recommendation) {
	metrics.ObservationsLogged.WithLabelValues(obs.Category.String(), result.RiskLevel.String()).Inc()
	for _, a := range derivedAlerts {
		metrics.AlertsDerived.WithLabelValues(string(a.Level)).Inc()
	}
	metrics.RecommendationsDerived.Add(float64(len(derivedRecs)))

	s.log.Info("observation logged",
		"subject_id", obs.SubjectID,
		"observation_id", obs.ID,
		"category", obs.Category.String(),
		"risk_level", result.RiskLevel.String(),
		"anomaly", result.AnomalyDetected,
		"alerts", len(derivedAlerts),
		"recommendations", len(derivedRecs),
	)
}

// loadSubject hydrates the subject from durable storage. A failure leaves the
// subject served from memory only; the load is retried on the next request.
func (s *Service) loadSubject(ctx context.Context, subjectID string) {
	_ = s.store.Load(ctx, subjectID)
}

// GetHistory returns observations at or after since, oldest first
func (s *Service) GetHistory(ctx context.Context, subjectID string, since time.Time) []models.Observation {
	s.loadSubject(ctx, subjectID)

	out := []models.Observation{}
	for _, o := range s.store.Observations(subjectID) {
		if !o.Timestamp.Before(since) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GetAlerts returns alerts at or after since, newest first
func (s *Service) GetAlerts(ctx context.Context, subjectID string, since time.Time) []models.Alert {
	s.loadSubject(ctx, subjectID)

	out := []models.Alert{}
	for _, a := range s.store.Alerts(subjectID) {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// GetRecommendations returns all recommendations, highest priority first and newest
// first within a priority
func (s *Service) GetRecommendations(ctx context.Context, subjectID string) []models.Recommendation {
	s.loadSubject(ctx, subjectID)

	out := append([]models.Recommendation{}, s.store.Recommendations(subjectID)...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// MarkAlertRead flags one of the subject's alerts as read. Unknown alerts give a
// not found error; a failed durable write is logged and not returned.
func (s *Service) MarkAlertRead(ctx context.Context, subjectID, alertID string) error {
	s.loadSubject(ctx, subjectID)

	err := s.store.MarkAlertRead(ctx, subjectID, alertID)
	if err != nil && !isStorage(err) {
		return err
	}
	return nil
}

// keyedMutex serializes work per key. Entries are removed when no holder or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func isStorage(err error) bool {
	return errors.Is(err, apperr.ErrStorage)
}
