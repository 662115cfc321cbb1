package models

import (
	"fmt"
	"strings"
	"time"

	"symptomtracker/internal/apperr"
)

const (
	MinPregnancyWeek = 1
	MaxPregnancyWeek = 42
)

// ObservationInput is an observation as submitted, before it is assigned an id.
// Category and severity arrive as names so that unknown values can be reported
// as validation errors instead of decode failures.
type ObservationInput struct {
	SubjectID       string         `json:"user_id"`
	Category        string         `json:"symptom_type"`
	Severity        string         `json:"severity"`
	Timestamp       time.Time      `json:"timestamp"`
	Description     string         `json:"description,omitempty"`
	DurationMinutes *int           `json:"duration_minutes,omitempty"`
	PregnancyWeek   *int           `json:"pregnancy_week,omitempty"`
	ExtraData       map[string]any `json:"additional_data,omitempty"`
}

// Validate checks the input and converts it into an Observation without id.
// now is used when no timestamp was supplied.
func (in ObservationInput) Validate(now time.Time) (Observation, error) {
	details := make(map[string]string)

	subjectID := strings.TrimSpace(in.SubjectID)
	if subjectID == "" {
		details["user_id"] = "must not be empty"
	}

	category, err := ParseCategory(in.Category)
	if err != nil {
		details["symptom_type"] = err.Error()
	}

	severity, err := ParseSeverity(in.Severity)
	if err != nil {
		details["severity"] = err.Error()
	}

	if in.PregnancyWeek != nil {
		if w := *in.PregnancyWeek; w < MinPregnancyWeek || w > MaxPregnancyWeek {
			details["pregnancy_week"] = fmt.Sprintf("must be between %d and %d, got %d", MinPregnancyWeek, MaxPregnancyWeek, w)
		}
	}

	if in.DurationMinutes != nil && *in.DurationMinutes < 0 {
		details["duration_minutes"] = "must not be negative"
	}

	if len(details) > 0 {
		return Observation{}, apperr.Validation("invalid observation", details)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return Observation{
		SubjectID:       subjectID,
		Category:        category,
		Severity:        severity,
		Timestamp:       ts,
		Description:     in.Description,
		DurationMinutes: copyInt(in.DurationMinutes),
		PregnancyWeek:   copyInt(in.PregnancyWeek),
		ExtraData:       in.ExtraData,
	}, nil
}

// Trimester buckets a gestational week: 1 (<=13), 2 (14-26), 3 (>26)
func Trimester(week int) int {
	switch {
	case week <= 13:
		return 1
	case week <= 26:
		return 2
	default:
		return 3
	}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
