// Package store keeps subject records in memory with optional write-through to a durable backend
package store

import (
	"context"
	"sync"

	"symptomtracker/internal/apperr"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/models"
)

// Snapshot is every record held for one subject
type Snapshot struct {
	Observations    []models.Observation
	Alerts          []models.Alert
	Recommendations []models.Recommendation
}

// Backend is durable storage behind the in-memory store
type Backend interface {
	SaveObservation(ctx context.Context, o models.Observation) error
	SaveAlerts(ctx context.Context, alerts []models.Alert) error
	SaveRecommendations(ctx context.Context, recs []models.Recommendation) error
	UpdateAlertRead(ctx context.Context, subjectID, alertID string, read bool) error
	LoadSubject(ctx context.Context, subjectID string) (Snapshot, error)
	Close() error
}

type bucket struct {
	mu     sync.RWMutex
	loaded bool

	observations    []models.Observation
	alerts          []models.Alert
	recommendations []models.Recommendation

	observationIdx map[string]int
	alertIdx       map[string]int
}

func newBucket() *bucket {
	return &bucket{
		observationIdx: make(map[string]int),
		alertIdx:       make(map[string]int),
	}
}

// Store holds observations, alerts and recommendations keyed by subject then record id.
// Appends are atomic per subject; different subjects never contend on the same lock.
// Writes go through to the backend synchronously; a failed write is logged and
// returned as a storage error but the in-memory append is kept.
type Store struct {
	backend Backend
	log     *logger.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a store. backend may be nil for memory-only operation.
func New(backend Backend, log *logger.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log.Component("store"),
		buckets: make(map[string]*bucket),
	}
}

func (s *Store) bucket(subjectID string) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[subjectID]
	if !ok {
		b = newBucket()
		if s.backend == nil {
			b.loaded = true
		}
		s.buckets[subjectID] = b
	}
	return b
}

// Load hydrates a subject from the backend once. Records already held in memory
// are kept after the loaded ones. A failed load is retried on the next call.
func (s *Store) Load(ctx context.Context, subjectID string) error {
	b := s.bucket(subjectID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}

	snap, err := s.backend.LoadSubject(ctx, subjectID)
	if err != nil {
		err = apperr.Storage("load subject", err)
		s.log.Warn("failed to load subject from backend", "subject_id", subjectID, "error", err)
		return err
	}

	b.observations = merge(snap.Observations, b.observations, func(o models.Observation) string { return o.ID })
	b.alerts = merge(snap.Alerts, b.alerts, func(a models.Alert) string { return a.ID })
	b.recommendations = merge(snap.Recommendations, b.recommendations, func(r models.Recommendation) string { return r.ID })
	b.observationIdx = index(b.observations, func(o models.Observation) string { return o.ID })
	b.alertIdx = index(b.alerts, func(a models.Alert) string { return a.ID })
	b.loaded = true

	s.log.Debug("loaded subject", "subject_id", subjectID,
		"observations", len(b.observations), "alerts", len(b.alerts), "recommendations", len(b.recommendations))
	return nil
}

func merge[T any](loaded, held []T, id func(T) string) []T {
	seen := make(map[string]bool, len(loaded))
	out := make([]T, 0, len(loaded)+len(held))
	for _, v := range loaded {
		seen[id(v)] = true
		out = append(out, v)
	}
	for _, v := range held {
		if !seen[id(v)] {
			out = append(out, v)
		}
	}
	return out
}

func index[T any](records []T, id func(T) string) map[string]int {
	idx := make(map[string]int, len(records))
	for i, v := range records {
		idx[id(v)] = i
	}
	return idx
}

// AppendObservation adds an observation to the subject's history
func (s *Store) AppendObservation(ctx context.Context, o models.Observation) error {
	b := s.bucket(o.SubjectID)

	b.mu.Lock()
	b.observationIdx[o.ID] = len(b.observations)
	b.observations = append(b.observations, o)
	b.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.writeFailed("save observation", o.SubjectID, s.backend.SaveObservation(ctx, o))
}

// AppendAlerts adds alerts to the subject's alert collection
func (s *Store) AppendAlerts(ctx context.Context, subjectID string, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	b := s.bucket(subjectID)

	b.mu.Lock()
	for _, a := range alerts {
		b.alertIdx[a.ID] = len(b.alerts)
		b.alerts = append(b.alerts, a)
	}
	b.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.writeFailed("save alerts", subjectID, s.backend.SaveAlerts(ctx, alerts))
}

// AppendRecommendations adds recommendations to the subject's collection
func (s *Store) AppendRecommendations(ctx context.Context, subjectID string, recs []models.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	b := s.bucket(subjectID)

	b.mu.Lock()
	b.recommendations = append(b.recommendations, recs...)
	b.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.writeFailed("save recommendations", subjectID, s.backend.SaveRecommendations(ctx, recs))
}

// MarkAlertRead flags one alert as read
func (s *Store) MarkAlertRead(ctx context.Context, subjectID, alertID string) error {
	b := s.bucket(subjectID)

	b.mu.Lock()
	i, ok := b.alertIdx[alertID]
	if ok {
		b.alerts[i].IsRead = true
	}
	b.mu.Unlock()

	if !ok {
		return apperr.NotFound("alert", alertID)
	}
	if s.backend == nil {
		return nil
	}
	return s.writeFailed("mark alert read", subjectID, s.backend.UpdateAlertRead(ctx, subjectID, alertID, true))
}

func (s *Store) writeFailed(op, subjectID string, err error) error {
	if err == nil {
		return nil
	}
	storageErr := apperr.Storage(op, err)
	s.log.Warn("durable write failed, keeping in-memory record", "op", op, "subject_id", subjectID, "error", err)
	return storageErr
}

// Observations returns the subject's observations in insertion order
func (s *Store) Observations(subjectID string) []models.Observation {
	b := s.bucket(subjectID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.Observation(nil), b.observations...)
}

// Alerts returns the subject's alerts in insertion order
func (s *Store) Alerts(subjectID string) []models.Alert {
	b := s.bucket(subjectID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.Alert(nil), b.alerts...)
}

// Recommendations returns the subject's recommendations in insertion order
func (s *Store) Recommendations(subjectID string) []models.Recommendation {
	b := s.bucket(subjectID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.Recommendation(nil), b.recommendations...)
}

// Observation looks up one observation by id
func (s *Store) Observation(subjectID, id string) (models.Observation, bool) {
	b := s.bucket(subjectID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.observationIdx[id]
	if !ok {
		return models.Observation{}, false
	}
	return b.observations[i], true
}

// Close closes the backend
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
