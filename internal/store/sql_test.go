package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"symptomtracker/internal/logger"
	"symptomtracker/internal/models"
)

func newTestBackend(t *testing.T) *SQLBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symptoms-test.db")
	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLBackend_ObservationRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 15, 14, 30, 5, 123456789, time.UTC)

	want := []models.Observation{
		{
			ID:              "o1",
			SubjectID:       "u1",
			Category:        models.CategoryBloodPressure,
			Severity:        models.SeverityModerate,
			Timestamp:       ts,
			Description:     "headache and blurred vision",
			DurationMinutes: models.IntPtr(45),
			PregnancyWeek:   models.IntPtr(31),
			ExtraData:       map[string]any{"systolic": 142.0, "note": "after lunch"},
			Analysis: &models.AnalysisResult{
				AnomalyDetected: true,
				RiskLevel:       models.RiskHigh,
				Trend:           models.TrendSlightlyWorsening,
				SimilarPatterns: []models.SimilarPattern{{
					Week:          28,
					ObservationID: "o0",
					Category:      models.CategoryBloodPressure,
					Severity:      models.SeverityModerate,
					Timestamp:     ts.Add(-21 * 24 * time.Hour),
				}},
				Confidence: 0.734,
			},
		},
		{
			ID:        "o2",
			SubjectID: "u1",
			Category:  models.CategoryOther,
			Severity:  models.SeverityMild,
			Timestamp: ts.Add(time.Hour),
		},
	}

	for _, o := range want {
		if err := b.SaveObservation(ctx, o); err != nil {
			t.Fatalf("SaveObservation() error = %v", err)
		}
	}

	snap, err := b.LoadSubject(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}
	if !reflect.DeepEqual(snap.Observations, want) {
		t.Errorf("LoadSubject() observations =\n%+v\nwant\n%+v", snap.Observations, want)
	}
}

func TestSQLBackend_AlertAndRecommendationRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

	alerts := []models.Alert{
		{
			ID:                "a1",
			SubjectID:         "u1",
			Timestamp:         ts,
			Level:             models.AlertUrgent,
			Title:             "Contractions Reported",
			Message:           "message",
			RelatedCategories: []models.Category{models.CategoryContractions},
			ActionRequired:    true,
			ActionDescription: "call",
		},
		{
			ID:                "a2",
			SubjectID:         "u1",
			Timestamp:         ts,
			Level:             models.AlertInfo,
			Title:             "Blood Pressure Changes Detected",
			RelatedCategories: []models.Category{models.CategoryBloodPressure},
		},
	}
	recs := []models.Recommendation{{
		ID:                "r1",
		SubjectID:         "u1",
		Timestamp:         ts,
		Title:             "Managing Nausea",
		Description:       "small meals",
		RelatedCategories: []models.Category{models.CategoryNausea},
		Category:          "Nutrition",
		Priority:          3,
	}}

	if err := b.SaveAlerts(ctx, alerts); err != nil {
		t.Fatalf("SaveAlerts() error = %v", err)
	}
	if err := b.SaveRecommendations(ctx, recs); err != nil {
		t.Fatalf("SaveRecommendations() error = %v", err)
	}

	snap, err := b.LoadSubject(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}
	if !reflect.DeepEqual(snap.Alerts, alerts) {
		t.Errorf("LoadSubject() alerts =\n%+v\nwant\n%+v", snap.Alerts, alerts)
	}
	if !reflect.DeepEqual(snap.Recommendations, recs) {
		t.Errorf("LoadSubject() recommendations =\n%+v\nwant\n%+v", snap.Recommendations, recs)
	}

	if err := b.UpdateAlertRead(ctx, "u1", "a2", true); err != nil {
		t.Fatalf("UpdateAlertRead() error = %v", err)
	}
	snap, _ = b.LoadSubject(ctx, "u1")
	if snap.Alerts[0].IsRead || !snap.Alerts[1].IsRead {
		t.Errorf("read flags = %v/%v, want false/true", snap.Alerts[0].IsRead, snap.Alerts[1].IsRead)
	}
}

func TestSQLBackend_SubjectsAreSeparate(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	// same record id under two subjects
	for _, subject := range []string{"u1", "u2"} {
		o := testObservation(subject, "shared-id")
		if err := b.SaveObservation(ctx, o); err != nil {
			t.Fatalf("SaveObservation(%s) error = %v", subject, err)
		}
	}

	snap, err := b.LoadSubject(ctx, "u2")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}
	if len(snap.Observations) != 1 || snap.Observations[0].SubjectID != "u2" {
		t.Errorf("LoadSubject(u2) = %+v, want one u2 observation", snap.Observations)
	}
}

func TestSQLBackend_DuplicateIDFails(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.SaveObservation(ctx, testObservation("u1", "o1")); err != nil {
		t.Fatalf("SaveObservation() error = %v", err)
	}
	if err := b.SaveObservation(ctx, testObservation("u1", "o1")); err == nil {
		t.Error("SaveObservation() of duplicate id succeeded, want error")
	}
}

func TestStore_ReloadsFromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reload.db")
	ctx := context.Background()

	backend, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	s := New(backend, logger.Nop())
	if err := s.AppendObservation(ctx, testObservation("u1", "o1")); err != nil {
		t.Fatalf("AppendObservation() error = %v", err)
	}
	s.Close()

	backend, err = NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	reopened := New(backend, logger.Nop())
	defer reopened.Close()

	if err := reopened.Load(ctx, "u1"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := reopened.Observations("u1")
	if len(got) != 1 || !reflect.DeepEqual(got[0], testObservation("u1", "o1")) {
		t.Errorf("Observations() after reload = %+v", got)
	}
}
