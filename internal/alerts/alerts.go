package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"symptomtracker/internal/models"
)

// Deriver turns an analyzed observation into alerts. Each rule fires independently.
type Deriver struct {
	now   func() time.Time
	newID func() string
}

// NewDeriver creates a deriver stamping records with now (the wall clock when nil)
// and random UUIDs
func NewDeriver(now func() time.Time) *Deriver {
	if now == nil {
		now = time.Now
	}
	return &Deriver{
		now:   now,
		newID: uuid.NewString,
	}
}

// Derive returns the alerts for obs in rule order: anomaly, high risk, category specific
func (d *Deriver) Derive(obs models.Observation, result models.AnalysisResult) []models.Alert {
	var alerts []models.Alert
	ts := d.now()

	if result.AnomalyDetected {
		alerts = append(alerts, d.anomalyAlert(obs, result, ts))
	}
	if result.RiskLevel == models.RiskHigh {
		alerts = append(alerts, d.highRiskAlert(obs, ts))
	}
	if obs.Category.HighRisk() {
		alerts = append(alerts, d.categoryAlert(obs, ts))
	}

	return alerts
}

func (d *Deriver) alert(obs models.Observation, ts time.Time, level models.AlertLevel) models.Alert {
	return models.Alert{
		ID:                d.newID(),
		SubjectID:         obs.SubjectID,
		Timestamp:         ts,
		Level:             level,
		RelatedCategories: []models.Category{obs.Category},
		ActionRequired:    level != models.AlertInfo,
	}
}

func (d *Deriver) anomalyAlert(obs models.Observation, result models.AnalysisResult, ts time.Time) models.Alert {
	confidence := "Unknown"
	if result.Confidence > 0 {
		confidence = fmt.Sprintf("%.1f%%", result.Confidence*100)
	}

	a := d.alert(obs, ts, models.AlertWarning)
	a.Title = "Unusual Symptom Pattern Detected"
	a.Message = fmt.Sprintf("An unusual pattern was detected in your %s symptoms. "+
		"This may be worth discussing with your healthcare provider. Confidence: %s", obs.Category.Label(), confidence)
	a.ActionDescription = "Consider contacting your healthcare provider to discuss these symptoms."
	return a
}

func (d *Deriver) highRiskAlert(obs models.Observation, ts time.Time) models.Alert {
	a := d.alert(obs, ts, models.AlertUrgent)
	a.Title = fmt.Sprintf("High-Risk %s Symptoms", obs.Category.Title())
	a.Message = fmt.Sprintf("Your reported %s symptoms are classified as high-risk. "+
		"Please consider seeking medical attention.", obs.Category.Label())
	a.ActionDescription = "Contact your healthcare provider as soon as possible."
	return a
}

func (d *Deriver) categoryAlert(obs models.Observation, ts time.Time) models.Alert {
	var level models.AlertLevel
	var title, message, action string

	switch obs.Category {
	case models.CategoryBloodPressure:
		level = models.AlertInfo
		if obs.Severity >= models.SeverityModerate {
			level = models.AlertWarning
		}
		title = "Blood Pressure Changes Detected"
		message = "Changes in blood pressure during pregnancy should be monitored closely."
		action = "Monitor your blood pressure regularly and report significant changes to your healthcare provider."
	case models.CategoryContractions:
		level = escalateIfSevere(obs.Severity)
		title = "Contractions Reported"
		message = "Regular contractions may indicate preterm labor or other conditions that require attention."
		action = "Time your contractions and contact your healthcare provider if they become regular or painful."
	case models.CategoryFetalMovement:
		level = escalateIfSevere(obs.Severity)
		title = "Changes in Fetal Movement"
		message = "Changes in fetal movement patterns can be important indicators of fetal well-being."
		action = "Monitor fetal kick counts and contact your healthcare provider if you notice decreased movement."
	}

	a := d.alert(obs, ts, level)
	a.Title = title
	a.Message = message
	a.ActionDescription = action
	return a
}

func escalateIfSevere(s models.Severity) models.AlertLevel {
	if s == models.SeveritySevere {
		return models.AlertUrgent
	}
	return models.AlertWarning
}
