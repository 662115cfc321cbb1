// Package analysis fuses anomaly scores with clinical rules into a risk assessment
package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"symptomtracker/internal/features"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/metrics"
	"symptomtracker/internal/models"
)

const (
	NoteInsufficientHistory = "Rule-based analysis (insufficient data for ML)"
	NoteModelUnavailable    = "Rule-based analysis (anomaly model unavailable)"

	maxSimilarPatterns = 3
	trendWindow        = 3
)

// Thresholds are the decision constants of the analysis. They carry no clinical
// validation and are loaded from configuration.
type Thresholds struct {
	MinHistory    int
	AnomalyScore  float64
	HighRiskScore float64
}

// DefaultThresholds returns the standard thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHistory:    5,
		AnomalyScore:  -0.5,
		HighRiskScore: -0.8,
	}
}

// Scorer scores a feature vector against a subject's anomaly model
type Scorer interface {
	Score(subjectID string, train features.Matrix, x []float64, priorCount int) (float64, error)
}

// Analyzer produces an AnalysisResult for a new observation given the subject's prior history
type Analyzer struct {
	scorer     Scorer
	thresholds Thresholds
	log        *logger.Logger
}

// New creates an analyzer
func New(scorer Scorer, thresholds Thresholds, log *logger.Logger) *Analyzer {
	return &Analyzer{
		scorer:     scorer,
		thresholds: thresholds,
		log:        log.Component("analysis"),
	}
}

// Analyze never fails: model errors, non-finite scores and panics degrade to the
// rule-based result.
func (a *Analyzer) Analyze(history []models.Observation, obs models.Observation) (result models.AnalysisResult) {
	timer := prometheus.NewTimer(metrics.AnalysisDuration)
	defer timer.ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			a.log.Error("analysis panicked, using rule-based result", "subject_id", obs.SubjectID, "panic", fmt.Sprint(r))
			result = a.fallback(obs, NoteModelUnavailable)
		}
		if result.AnomalyDetected {
			metrics.AnomaliesDetected.Inc()
		}
	}()

	if len(history) < a.thresholds.MinHistory {
		return a.fallback(obs, NoteInsufficientHistory)
	}

	batch := make([]models.Observation, 0, len(history)+1)
	batch = append(batch, history...)
	batch = append(batch, obs)
	m := features.Extract(batch)

	score, err := a.scorer.Score(obs.SubjectID, m[:len(history)], m[len(history)], len(history))
	if err != nil {
		a.log.Warn("anomaly model unavailable, using rule-based result", "subject_id", obs.SubjectID, "error", err)
		return a.fallback(obs, NoteModelUnavailable)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		a.log.Warn("anomaly score is not finite, using rule-based result", "subject_id", obs.SubjectID)
		return a.fallback(obs, NoteModelUnavailable)
	}

	base := models.RiskLow
	switch {
	case score < a.thresholds.HighRiskScore:
		base = models.RiskHigh
	case score < a.thresholds.AnomalyScore:
		base = models.RiskMedium
	}

	return models.AnalysisResult{
		AnomalyDetected: score < a.thresholds.AnomalyScore,
		RiskLevel:       FuseRisk(base, obs.Severity, obs.Category),
		Trend:           TrendOf(priorSeverities(history, obs.Category), obs.Severity),
		SimilarPatterns: SimilarPatterns(history, obs),
		Confidence:      clamp01(math.Abs(score) * 2),
	}
}

func (a *Analyzer) fallback(obs models.Observation, note string) models.AnalysisResult {
	metrics.AnalysisFallbacks.WithLabelValues(fallbackReason(note)).Inc()

	risk := RuleRisk(obs.Severity, obs.Category)
	return models.AnalysisResult{
		AnomalyDetected: risk == models.RiskHigh,
		RiskLevel:       risk,
		Trend:           models.TrendStable,
		SimilarPatterns: []models.SimilarPattern{},
		Confidence:      ruleConfidence(risk),
		Note:            note,
	}
}

func fallbackReason(note string) string {
	if note == NoteInsufficientHistory {
		return "insufficient_history"
	}
	return "model_unavailable"
}

func ruleConfidence(risk models.RiskLevel) float64 {
	switch risk {
	case models.RiskHigh:
		return 0.7
	case models.RiskMedium:
		return 0.5
	default:
		return 0.8
	}
}

// RuleRisk derives risk from severity and category alone
func RuleRisk(severity models.Severity, category models.Category) models.RiskLevel {
	return FuseRisk(models.RiskLow, severity, category)
}

// FuseRisk applies the clinical override to a score-based risk. Severe symptoms, and
// moderate ones in a high-risk category, are always high. Moderate symptoms, and any
// in a high-risk category, lift low to medium. Nothing is downgraded.
func FuseRisk(base models.RiskLevel, severity models.Severity, category models.Category) models.RiskLevel {
	sev := severity.Ordinal()
	highRisk := category.HighRisk()

	switch {
	case sev == 3 || (sev >= 2 && highRisk):
		return models.RiskHigh
	case sev == 2 || (sev >= 1 && highRisk):
		if base == models.RiskLow {
			return models.RiskMedium
		}
		return base
	default:
		return base
	}
}

// TrendOf compares the current severity with the last severities of the same category.
// Fewer than three prior values give a stable trend.
func TrendOf(prior []models.Severity, current models.Severity) models.Trend {
	if len(prior) < trendWindow {
		return models.TrendStable
	}
	last := prior[len(prior)-trendWindow:]
	v1, v2, v3 := last[1].Ordinal(), last[2].Ordinal(), current.Ordinal()

	switch {
	case v3 > v2 && v2 > v1:
		return models.TrendWorsening
	case v3 < v2 && v2 < v1:
		return models.TrendImproving
	case v3 > v2:
		return models.TrendSlightlyWorsening
	case v3 < v2:
		return models.TrendSlightlyImproving
	default:
		return models.TrendStable
	}
}

func priorSeverities(history []models.Observation, category models.Category) []models.Severity {
	var same []models.Observation
	for _, o := range history {
		if o.Category == category {
			same = append(same, o)
		}
	}
	sort.SliceStable(same, func(i, j int) bool {
		return same[i].Timestamp.Before(same[j].Timestamp)
	})

	out := make([]models.Severity, len(same))
	for i, o := range same {
		out[i] = o.Severity
	}
	return out
}

// SimilarPatterns finds prior observations from other gestational weeks with the same
// category and severity, latest week first, at most three
func SimilarPatterns(history []models.Observation, obs models.Observation) []models.SimilarPattern {
	patterns := []models.SimilarPattern{}
	if obs.PregnancyWeek == nil {
		return patterns
	}
	week := *obs.PregnancyWeek

	ordered := append([]models.Observation(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	for _, o := range ordered {
		if o.PregnancyWeek == nil || *o.PregnancyWeek == week {
			continue
		}
		if o.Category != obs.Category || o.Severity != obs.Severity {
			continue
		}
		patterns = append(patterns, models.SimilarPattern{
			Week:          *o.PregnancyWeek,
			ObservationID: o.ID,
			Category:      o.Category,
			Severity:      o.Severity,
			Timestamp:     o.Timestamp,
		})
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Week > patterns[j].Week
	})
	if len(patterns) > maxSimilarPatterns {
		patterns = patterns[:maxSimilarPatterns]
	}
	return patterns
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
