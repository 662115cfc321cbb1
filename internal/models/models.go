package models

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Category is the kind of symptom being reported
type Category int

const (
	CategoryNausea Category = iota + 1
	CategoryFatigue
	CategoryBackPain
	CategorySwelling
	CategoryHeadache
	CategoryBloodPressure
	CategoryWeightChange
	CategorySleepIssue
	CategoryMoodChange
	CategoryContractions
	CategoryFetalMovement
	CategoryOther
)

var categoryNames = map[Category]string{
	CategoryNausea:        "nausea",
	CategoryFatigue:       "fatigue",
	CategoryBackPain:      "back_pain",
	CategorySwelling:      "swelling",
	CategoryHeadache:      "headache",
	CategoryBloodPressure: "blood_pressure",
	CategoryWeightChange:  "weight_change",
	CategorySleepIssue:    "sleep_issue",
	CategoryMoodChange:    "mood_change",
	CategoryContractions:  "contractions",
	CategoryFetalMovement: "fetal_movement",
	CategoryOther:         "other",
}

// Categories lists every category in declaration order. Feature vectors use this order
// for their one-hot block.
var Categories = []Category{
	CategoryNausea,
	CategoryFatigue,
	CategoryBackPain,
	CategorySwelling,
	CategoryHeadache,
	CategoryBloodPressure,
	CategoryWeightChange,
	CategorySleepIssue,
	CategoryMoodChange,
	CategoryContractions,
	CategoryFetalMovement,
	CategoryOther,
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Label returns the category as lower case words, e.g. "blood pressure"
func (c Category) Label() string {
	return strings.ReplaceAll(c.String(), "_", " ")
}

// Title returns the category in title case, e.g. "Blood Pressure"
func (c Category) Title() string {
	return cases.Title(language.English).String(c.Label())
}

// Valid reports whether c is one of the declared categories
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// HighRisk reports whether the category needs attention even when mild
func (c Category) HighRisk() bool {
	switch c {
	case CategoryBloodPressure, CategoryContractions, CategoryFetalMovement:
		return true
	}
	return false
}

// ParseCategory converts a canonical category name
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown symptom category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid symptom category %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Severity is the ordinal intensity of a symptom: mild=1, moderate=2, severe=3
type Severity int

const (
	SeverityMild Severity = iota + 1
	SeverityModerate
	SeveritySevere
)

func (s Severity) String() string {
	switch s {
	case SeverityMild:
		return "mild"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) Valid() bool {
	return s >= SeverityMild && s <= SeveritySevere
}

// Ordinal returns the numeric value used by features, fusion and trend rules
func (s Severity) Ordinal() int {
	return int(s)
}

func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "mild":
		return SeverityMild, nil
	case "moderate":
		return SeverityModerate, nil
	case "severe":
		return SeveritySevere, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RiskLevel is the fused risk classification of an observation
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if r < RiskLow || r > RiskHigh {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Trend is the short-term direction of same-category severities
type Trend string

const (
	TrendStable            Trend = "stable"
	TrendSlightlyImproving Trend = "slightly_improving"
	TrendImproving         Trend = "improving"
	TrendSlightlyWorsening Trend = "slightly_worsening"
	TrendWorsening         Trend = "worsening"
)

func (t Trend) Valid() bool {
	switch t {
	case TrendStable, TrendSlightlyImproving, TrendImproving, TrendSlightlyWorsening, TrendWorsening:
		return true
	}
	return false
}

func (t *Trend) UnmarshalText(text []byte) error {
	parsed := Trend(text)
	if !parsed.Valid() {
		return fmt.Errorf("unknown trend %q", string(text))
	}
	*t = parsed
	return nil
}

// AlertLevel defines how urgent an alert is
type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertWarning AlertLevel = "warning"
	AlertUrgent  AlertLevel = "urgent"
)

func (l AlertLevel) Valid() bool {
	switch l {
	case AlertInfo, AlertWarning, AlertUrgent:
		return true
	}
	return false
}

func (l *AlertLevel) UnmarshalText(text []byte) error {
	parsed := AlertLevel(text)
	if !parsed.Valid() {
		return fmt.Errorf("unknown alert level %q", string(text))
	}
	*l = parsed
	return nil
}

// Observation is one logged symptom record for a subject
type Observation struct {
	ID              string          `json:"symptom_id"`
	SubjectID       string          `json:"user_id"`
	Category        Category        `json:"symptom_type"`
	Severity        Severity        `json:"severity"`
	Timestamp       time.Time       `json:"timestamp"`
	Description     string          `json:"description,omitempty"`
	DurationMinutes *int            `json:"duration_minutes,omitempty"`
	PregnancyWeek   *int            `json:"pregnancy_week,omitempty"`
	ExtraData       map[string]any  `json:"additional_data,omitempty"`
	Analysis        *AnalysisResult `json:"analysis_result,omitempty"`
}

// SimilarPattern points at a prior observation with the same category and severity
type SimilarPattern struct {
	Week          int       `json:"week"`
	ObservationID string    `json:"symptom_id"`
	Category      Category  `json:"symptom_type"`
	Severity      Severity  `json:"severity"`
	Timestamp     time.Time `json:"timestamp"`
}

// AnalysisResult is the outcome of analyzing one new observation
type AnalysisResult struct {
	AnomalyDetected bool             `json:"anomaly_detected"`
	RiskLevel       RiskLevel        `json:"risk_level"`
	Trend           Trend            `json:"trend"`
	SimilarPatterns []SimilarPattern `json:"similar_patterns"`
	Confidence      float64          `json:"confidence"` // 0-1
	Note            string           `json:"note,omitempty"`
}

// Alert is a derived notice for the subject
type Alert struct {
	ID                string     `json:"alert_id"`
	SubjectID         string     `json:"user_id"`
	Timestamp         time.Time  `json:"timestamp"`
	Level             AlertLevel `json:"level"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	RelatedCategories []Category `json:"related_symptoms"`
	IsRead            bool       `json:"is_read"`
	ActionRequired    bool       `json:"action_required"`
	ActionDescription string     `json:"action_description,omitempty"`
}

// Recommendation is a derived piece of advice for the subject
type Recommendation struct {
	ID                string     `json:"recommendation_id"`
	SubjectID         string     `json:"user_id"`
	Timestamp         time.Time  `json:"timestamp"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	RelatedCategories []Category `json:"related_symptoms"`
	Category          string     `json:"category"`
	Priority          int        `json:"priority"` // 1 (low) - 5 (high)
	IsFollowed        bool       `json:"is_followed"`
}

// LogResult is returned for every logged observation
type LogResult struct {
	ObservationID   string           `json:"symptom_id"`
	Status          string           `json:"status"`
	Analysis        AnalysisResult   `json:"analysis"`
	Alerts          []Alert          `json:"alerts"`
	Recommendations []Recommendation `json:"recommendations"`
}
