package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"symptomtracker/internal/analysis"
	"symptomtracker/internal/apperr"
	"symptomtracker/internal/detector"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/models"
	"symptomtracker/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (r *recordingSink) PublishAlerts(ctx context.Context, alerts []models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alerts...)
	return r.err
}

func newTestService(t *testing.T, backend store.Backend, opts ...Option) *Service {
	t.Helper()
	log := logger.Nop()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewService(
		store.New(backend, log),
		analysis.New(detector.NewRegistry(detector.DefaultOptions()), analysis.DefaultThresholds(), log),
		log,
		opts...,
	)
}

func input(subject, category, severity string, week int) models.ObservationInput {
	in := models.ObservationInput{SubjectID: subject, Category: category, Severity: severity}
	if week > 0 {
		in.PregnancyWeek = models.IntPtr(week)
	}
	return in
}

func mustLog(t *testing.T, s *Service, in models.ObservationInput) models.LogResult {
	t.Helper()
	res, err := s.LogObservation(context.Background(), in)
	if err != nil {
		t.Fatalf("LogObservation(%+v) error = %v", in, err)
	}
	return res
}

var categoryNames = []string{"nausea", "fatigue", "back_pain", "swelling", "headache", "blood_pressure",
	"weight_change", "sleep_issue", "mood_change", "contractions", "fetal_movement", "other"}

func TestLogObservation_ValidationRejectsBeforeMutation(t *testing.T) {
	s := newTestService(t, nil)

	tests := []models.ObservationInput{
		input("u1", "cramps", "mild", 10),
		input("u1", "nausea", "extreme", 10),
		input("u1", "nausea", "mild", 43),
		{SubjectID: "u1", Category: "nausea", Severity: "mild", PregnancyWeek: models.IntPtr(0)},
		input("", "nausea", "mild", 10),
	}

	for _, in := range tests {
		if _, err := s.LogObservation(context.Background(), in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("LogObservation(%+v) error = %v, want validation error", in, err)
		}
	}

	if got := s.GetHistory(context.Background(), "u1", time.Time{}); len(got) != 0 {
		t.Errorf("GetHistory() returned %d observations after rejected input, want 0", len(got))
	}
}

func TestLogObservation_AlwaysWellFormed(t *testing.T) {
	s := newTestService(t, nil)
	severities := []string{"mild", "moderate", "severe"}

	i := 0
	for _, week := range []int{0, 1, 13, 14, 26, 27, 42} {
		for _, c := range categoryNames {
			for _, sev := range severities {
				i++
				res := mustLog(t, s, input(fmt.Sprintf("u%d", i%4), c, sev, week))

				switch res.Analysis.RiskLevel {
				case models.RiskLow, models.RiskMedium, models.RiskHigh:
				default:
					t.Fatalf("risk level %v out of range", res.Analysis.RiskLevel)
				}
				if res.Analysis.Confidence < 0 || res.Analysis.Confidence > 1 {
					t.Fatalf("confidence %v out of [0, 1]", res.Analysis.Confidence)
				}
				if res.Status != "success" || res.ObservationID == "" {
					t.Fatalf("result = %+v, want success with an id", res)
				}
			}
		}
	}
}

func TestLogObservation_FallbackWithShortHistory(t *testing.T) {
	s := newTestService(t, nil)

	for i := 0; i < 5; i++ {
		res := mustLog(t, s, input("u1", "headache", "moderate", 10+i))
		if res.Analysis.Note != analysis.NoteInsufficientHistory {
			t.Errorf("observation %d note = %q, want fallback note", i, res.Analysis.Note)
		}
		if res.Analysis.Trend != models.TrendStable || len(res.Analysis.SimilarPatterns) != 0 {
			t.Errorf("observation %d = %+v, want stable trend and no patterns", i, res.Analysis)
		}
	}

	res := mustLog(t, s, input("u1", "headache", "moderate", 20))
	if res.Analysis.Note == analysis.NoteInsufficientHistory {
		t.Error("sixth observation still uses the insufficient history fallback")
	}
}

func TestLogObservation_RuleRiskMonotonicInSeverity(t *testing.T) {
	severities := []string{"mild", "moderate", "severe"}

	for _, c := range []string{"blood_pressure", "contractions", "fetal_movement"} {
		for _, historySize := range []int{0, 3} {
			prev := models.RiskLow
			for _, sev := range severities {
				s := newTestService(t, nil)
				for i := 0; i < historySize; i++ {
					mustLog(t, s, input("u1", categoryNames[i%len(categoryNames)], severities[i%3], 8+i))
				}
				res := mustLog(t, s, input("u1", c, sev, 30))
				if res.Analysis.RiskLevel < prev {
					t.Errorf("%s/%s with %d prior: risk %v below %v for milder severity", c, sev, historySize, res.Analysis.RiskLevel, prev)
				}
				prev = res.Analysis.RiskLevel
			}
		}
	}
}

func TestLogObservation_TrendWorsening(t *testing.T) {
	s := newTestService(t, nil)

	mustLog(t, s, input("u1", "fatigue", "mild", 10))
	mustLog(t, s, input("u1", "headache", "mild", 10))
	mustLog(t, s, input("u1", "fatigue", "mild", 11))
	mustLog(t, s, input("u1", "headache", "severe", 11))
	mustLog(t, s, input("u1", "fatigue", "moderate", 12))

	res := mustLog(t, s, input("u1", "fatigue", "severe", 13))
	if res.Analysis.Note != "" {
		t.Skipf("model path unavailable: %s", res.Analysis.Note)
	}
	if res.Analysis.Trend != models.TrendWorsening {
		t.Errorf("trend = %v, want %v", res.Analysis.Trend, models.TrendWorsening)
	}
}

func TestLogObservation_SimilarPatterns(t *testing.T) {
	s := newTestService(t, nil)

	first := mustLog(t, s, input("u1", "nausea", "mild", 10))
	mustLog(t, s, input("u1", "nausea", "severe", 15))
	mustLog(t, s, input("u1", "fatigue", "moderate", 16))
	mustLog(t, s, input("u1", "headache", "mild", 17))
	mustLog(t, s, input("u1", "back_pain", "severe", 18))

	res := mustLog(t, s, input("u1", "nausea", "mild", 20))
	if res.Analysis.Note != "" {
		t.Skipf("model path unavailable: %s", res.Analysis.Note)
	}
	got := res.Analysis.SimilarPatterns
	if len(got) != 1 {
		t.Fatalf("similar patterns = %+v, want exactly one", got)
	}
	if got[0].Week != 10 || got[0].ObservationID != first.ObservationID {
		t.Errorf("similar pattern = %+v, want week 10 observation %s", got[0], first.ObservationID)
	}
}

func TestLogObservation_MildBloodPressureCategoryAlert(t *testing.T) {
	priors := []string{"nausea", "fatigue", "sleep_issue"}

	for _, historySize := range []int{0, 1, 4, 5, 6, 10, 20, 30} {
		t.Run(fmt.Sprintf("history %d", historySize), func(t *testing.T) {
			s := newTestService(t, nil)
			for i := 0; i < historySize; i++ {
				mustLog(t, s, input("u1", priors[i%len(priors)], "mild", 9+i%10))
			}

			res := mustLog(t, s, input("u1", "blood_pressure", "mild", 20))

			var category []models.Alert
			for _, a := range res.Alerts {
				if a.Title == "Blood Pressure Changes Detected" {
					category = append(category, a)
				}
			}
			if len(category) != 1 {
				t.Fatalf("category alerts = %+v, want exactly one", category)
			}
			if category[0].Level != models.AlertInfo || category[0].ActionRequired {
				t.Errorf("category alert = %+v, want info level without action", category[0])
			}

			if historySize < analysis.DefaultThresholds().MinHistory && len(res.Alerts) != 1 {
				t.Errorf("alerts = %+v, want only the category alert on the rule-based path", res.Alerts)
			}
		})
	}
}

func TestLogObservation_SubjectIsolation(t *testing.T) {
	shared := newTestService(t, nil)
	for i := 0; i < 20; i++ {
		sev := []string{"mild", "severe"}[i%2]
		mustLog(t, shared, input("a", categoryNames[i%len(categoryNames)], sev, 5+i))
	}

	alone := newTestService(t, nil)

	bInputs := []models.ObservationInput{
		input("b", "swelling", "moderate", 30),
		input("b", "fetal_movement", "mild", 31),
		input("b", "contractions", "severe", 32),
	}
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, in := range bInputs {
		in.Timestamp = start.Add(time.Duration(i) * time.Hour)
		got := mustLog(t, shared, in)
		want := mustLog(t, alone, in)
		if !reflect.DeepEqual(got.Analysis, want.Analysis) {
			t.Errorf("analysis for %s with another subject present = %+v, want %+v", in.Category, got.Analysis, want.Analysis)
		}
		if len(got.Alerts) != len(want.Alerts) || len(got.Recommendations) != len(want.Recommendations) {
			t.Errorf("derived records for %s differ: %d/%d alerts, %d/%d recommendations", in.Category,
				len(got.Alerts), len(want.Alerts), len(got.Recommendations), len(want.Recommendations))
		}
	}
}

func TestLogObservation_EmbedsAnalysisAndPublishes(t *testing.T) {
	sink := &recordingSink{err: errors.New("redis down")}
	s := newTestService(t, nil, WithAlertSink(sink))

	res := mustLog(t, s, input("u1", "contractions", "severe", 36))

	history := s.GetHistory(context.Background(), "u1", time.Time{})
	if len(history) != 1 || history[0].Analysis == nil {
		t.Fatalf("history = %+v, want one observation with embedded analysis", history)
	}
	if !reflect.DeepEqual(*history[0].Analysis, res.Analysis) {
		t.Errorf("embedded analysis = %+v, want %+v", *history[0].Analysis, res.Analysis)
	}

	s.Close()
	if len(sink.alerts) != len(res.Alerts) {
		t.Errorf("sink received %d alerts, want %d", len(sink.alerts), len(res.Alerts))
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingSink) PublishAlerts(ctx context.Context, alerts []models.Alert) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return nil
}

func TestLogObservation_SlowSinkDoesNotBlock(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	s := newTestService(t, nil, WithAlertSink(sink))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			mustLog(t, s, input("u1", "contractions", "severe", 36))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(sink.release)
		t.Fatal("LogObservation blocked on a stalled alert sink")
	}

	close(sink.release)
	s.Close()
	if sink.calls != 3 {
		t.Errorf("sink called %d times, want 3", sink.calls)
	}
}

func TestLogObservation_FullPublishQueueDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	s := newTestService(t, nil, WithAlertSink(sink))

	// one batch is held by the publisher, the rest fill the queue
	for i := 0; i < publishQueueSize+5; i++ {
		mustLog(t, s, input(fmt.Sprintf("u%d", i), "contractions", "mild", 30))
	}

	close(sink.release)
	s.Close()
	if sink.calls > publishQueueSize+1 {
		t.Errorf("sink called %d times, want at most %d", sink.calls, publishQueueSize+1)
	}

	// alerts after Close are discarded without panicking
	mustLog(t, s, input("late", "contractions", "mild", 30))
}

func TestQueries_Ordering(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{3, 1, 2} {
		in := input("u1", "blood_pressure", "moderate", 20)
		in.Timestamp = base.Add(time.Duration(offset) * 24 * time.Hour)
		mustLog(t, s, in)
	}
	mustLog(t, s, input("u1", "nausea", "severe", 8))

	history := s.GetHistory(ctx, "u1", base.Add(12*time.Hour))
	if len(history) != 3 {
		t.Fatalf("GetHistory() returned %d, want 3", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Errorf("GetHistory() not ascending at %d", i)
		}
	}

	alertList := s.GetAlerts(ctx, "u1", time.Time{})
	for i := 1; i < len(alertList); i++ {
		if alertList[i].Timestamp.After(alertList[i-1].Timestamp) {
			t.Errorf("GetAlerts() not descending at %d", i)
		}
	}

	recs := s.GetRecommendations(ctx, "u1")
	for i := 1; i < len(recs); i++ {
		prev, cur := recs[i-1], recs[i]
		if cur.Priority > prev.Priority {
			t.Errorf("GetRecommendations() priority rises at %d", i)
		}
		if cur.Priority == prev.Priority && cur.Timestamp.After(prev.Timestamp) {
			t.Errorf("GetRecommendations() not newest first within priority at %d", i)
		}
	}
}

func TestGetAlerts_SinceFilter(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	mustLog(t, s, input("u1", "contractions", "mild", 30))
	all := s.GetAlerts(ctx, "u1", time.Time{})
	if len(all) == 0 {
		t.Fatal("GetAlerts() returned nothing")
	}

	later := s.GetAlerts(ctx, "u1", all[0].Timestamp.Add(time.Second))
	if len(later) != 0 {
		t.Errorf("GetAlerts() after newest alert returned %d, want 0", len(later))
	}
}

func TestMarkAlertRead(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	res := mustLog(t, s, input("u1", "fetal_movement", "moderate", 30))
	id := res.Alerts[0].ID

	if err := s.MarkAlertRead(ctx, "u1", id); err != nil {
		t.Fatalf("MarkAlertRead() error = %v", err)
	}
	for _, a := range s.GetAlerts(ctx, "u1", time.Time{}) {
		if a.ID == id && !a.IsRead {
			t.Error("alert not marked read")
		}
	}

	if err := s.MarkAlertRead(ctx, "u2", id); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("MarkAlertRead() for another subject error = %v, want not found", err)
	}
}

func TestConcurrentSubjects(t *testing.T) {
	s := newTestService(t, nil)

	var wg sync.WaitGroup
	subjects := []string{"a", "b", "c", "d"}
	for _, subject := range subjects {
		for i := 0; i < 15; i++ {
			wg.Add(1)
			go func(subject string, i int) {
				defer wg.Done()
				if _, err := s.LogObservation(context.Background(), input(subject, categoryNames[i%len(categoryNames)], "moderate", 10+i)); err != nil {
					t.Errorf("LogObservation() error = %v", err)
				}
			}(subject, i)
		}
	}
	wg.Wait()

	for _, subject := range subjects {
		if got := len(s.GetHistory(context.Background(), subject, time.Time{})); got != 15 {
			t.Errorf("GetHistory(%s) returned %d, want 15", subject, got)
		}
	}
}

func TestRoundTripThroughSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	backend, err := store.NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	s := newTestService(t, backend)
	for i, c := range []string{"nausea", "contractions", "swelling", "blood_pressure", "fatigue", "back_pain"} {
		in := input("u1", c, "severe", 10+i)
		in.DurationMinutes = models.IntPtr(15 * (i + 1))
		in.ExtraData = map[string]any{"source": "diary"}
		mustLog(t, s, in)
	}
	wantHistory := s.GetHistory(ctx, "u1", time.Time{})
	wantAlerts := s.GetAlerts(ctx, "u1", time.Time{})
	wantRecs := s.GetRecommendations(ctx, "u1")
	backend.Close()

	backend, err = store.NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer backend.Close()
	reloaded := newTestService(t, backend)

	gotHistory := reloaded.GetHistory(ctx, "u1", time.Time{})
	if len(gotHistory) != len(wantHistory) {
		t.Fatalf("reloaded %d observations, want %d", len(gotHistory), len(wantHistory))
	}
	for i := range wantHistory {
		got, want := gotHistory[i], wantHistory[i]
		if got.ID != want.ID || !got.Timestamp.Equal(want.Timestamp) || *got.DurationMinutes != *want.DurationMinutes {
			t.Errorf("reloaded observation %d = %+v, want %+v", i, got, want)
		}
		if got.Analysis == nil || got.Analysis.RiskLevel != want.Analysis.RiskLevel || got.Analysis.Confidence != want.Analysis.Confidence {
			t.Errorf("reloaded analysis %d = %+v, want %+v", i, got.Analysis, want.Analysis)
		}
		if got.ExtraData["source"] != "diary" {
			t.Errorf("reloaded extra data %d = %v", i, got.ExtraData)
		}
	}
	if got := reloaded.GetAlerts(ctx, "u1", time.Time{}); !reflect.DeepEqual(got, wantAlerts) {
		t.Errorf("reloaded alerts differ")
	}
	if got := reloaded.GetRecommendations(ctx, "u1"); !reflect.DeepEqual(got, wantRecs) {
		t.Errorf("reloaded recommendations differ")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlock()

	if len(k.locks) != 0 {
		t.Errorf("locks = %d after release, want 0", len(k.locks))
	}
}
