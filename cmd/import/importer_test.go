package main

import (
	"context"
	"strings"
	"sync"
	"testing"

	"symptomtracker/internal/analysis"
	"symptomtracker/internal/detector"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/models"
	"symptomtracker/internal/store"
	"symptomtracker/internal/tracker"
)

const sampleCSV = `user_id,symptom_type,severity,timestamp,pregnancy_week,duration_minutes,description
u1,nausea,mild,2024-01-01T08:00:00Z,10,30,morning
u2,headache,moderate,2024-01-01T09:00:00Z,,,
u1,fatigue,severe,2024-01-02T08:00:00Z,10,,
u1,nausea,moderate,not-a-time,11,,
u3,cramps,mild,2024-01-03T08:00:00Z,20,,
`

func TestReadRows(t *testing.T) {
	rows, bad, err := readRows(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("readRows() error = %v", err)
	}

	if len(rows) != 4 {
		t.Errorf("readRows() returned %d rows, want 4", len(rows))
	}
	if _, ok := bad[5]; !ok || len(bad) != 1 {
		t.Errorf("readRows() bad lines = %v, want only line 5", bad)
	}

	first := rows[0]
	if first.line != 2 || first.input.SubjectID != "u1" || first.input.Category != "nausea" {
		t.Errorf("first row = %+v, want line 2 nausea for u1", first)
	}
	if first.input.PregnancyWeek == nil || *first.input.PregnancyWeek != 10 {
		t.Errorf("first row pregnancy week = %v, want 10", first.input.PregnancyWeek)
	}
	if first.input.DurationMinutes == nil || *first.input.DurationMinutes != 30 {
		t.Errorf("first row duration = %v, want 30", first.input.DurationMinutes)
	}
	if rows[1].input.PregnancyWeek != nil {
		t.Errorf("row without week parsed as %v, want nil", *rows[1].input.PregnancyWeek)
	}
}

func TestReadRows_MissingColumn(t *testing.T) {
	if _, _, err := readRows(strings.NewReader("user_id,severity\nu1,mild\n")); err == nil {
		t.Error("readRows() error = nil, want missing column error")
	}
}

func TestPartition(t *testing.T) {
	for _, subject := range []string{"u1", "u2", "a-much-longer-subject-id"} {
		p := partition(subject, 7)
		if p < 0 || p >= 7 {
			t.Errorf("partition(%q, 7) = %d, out of range", subject, p)
		}
		if again := partition(subject, 7); again != p {
			t.Errorf("partition(%q, 7) = %d then %d, want stable", subject, p, again)
		}
	}
}

type orderRecorder struct {
	mu    sync.Mutex
	order map[string][]string
}

func (o *orderRecorder) LogObservation(ctx context.Context, in models.ObservationInput) (models.LogResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order[in.SubjectID] = append(o.order[in.SubjectID], in.Description)
	return models.LogResult{Status: "success"}, nil
}

func TestReplay_PreservesSubjectOrder(t *testing.T) {
	var rows []row
	for i := 0; i < 50; i++ {
		for _, subject := range []string{"a", "b", "c"} {
			rows = append(rows, row{line: len(rows) + 2, input: models.ObservationInput{
				SubjectID:   subject,
				Description: string(rune('A' + i%26)),
			}})
		}
	}

	rec := &orderRecorder{order: make(map[string][]string)}
	summary := replay(context.Background(), rec, rows, 4, logger.Nop())

	if summary.Imported != len(rows) {
		t.Errorf("Imported = %d, want %d", summary.Imported, len(rows))
	}
	for subject, got := range rec.order {
		for i, desc := range got {
			if want := string(rune('A' + i%26)); desc != want {
				t.Fatalf("subject %s row %d = %s, want %s", subject, i, desc, want)
			}
		}
	}
}

func TestReplay_ThroughService(t *testing.T) {
	rows, _, err := readRows(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("readRows() error = %v", err)
	}

	log := logger.Nop()
	svc := tracker.NewService(
		store.New(nil, log),
		analysis.New(detector.NewRegistry(detector.DefaultOptions()), analysis.DefaultThresholds(), log),
		log,
	)

	summary := replay(context.Background(), svc, rows, 2, log)
	if summary.Imported != 3 || summary.Rejected != 1 {
		t.Errorf("summary = %+v, want 3 imported and 1 rejected", summary)
	}

	if got := len(svc.GetHistory(context.Background(), "u1", rows[0].input.Timestamp)); got != 2 {
		t.Errorf("GetHistory(u1) returned %d, want 2", got)
	}
}
