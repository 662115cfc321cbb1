package recommend

import (
	"time"

	"github.com/google/uuid"

	"symptomtracker/internal/models"
)

type template struct {
	title       string
	description string
	category    string
	priority    int
	// severePriority replaces priority when the observation is severe
	severePriority int
}

var byCategory = map[models.Category]template{
	models.CategoryNausea: {
		title:          "Managing Nausea",
		description:    "Try eating small, frequent meals and avoiding strong smells. Ginger tea or supplements may help reduce nausea.",
		category:       "Nutrition",
		priority:       2,
		severePriority: 3,
	},
	models.CategoryFatigue: {
		title:          "Managing Fatigue",
		description:    "Get adequate rest and consider light exercise like walking. Staying hydrated and eating iron-rich foods may help with energy levels.",
		category:       "Rest and Exercise",
		priority:       2,
		severePriority: 2,
	},
	models.CategoryBackPain: {
		title:          "Relieving Back Pain",
		description:    "Try gentle stretching, applying heat and keeping good posture. A pregnancy support belt may help with lower back pain.",
		category:       "Physical Comfort",
		priority:       2,
		severePriority: 3,
	},
	models.CategoryBloodPressure: {
		title:          "Blood Pressure Management",
		description:    "Monitor your blood pressure regularly. Keep a balanced diet low in sodium, stay hydrated and practice relaxation techniques.",
		category:       "Monitoring",
		priority:       4,
		severePriority: 5,
	},
	models.CategoryContractions: {
		title:          "Monitoring Contractions",
		description:    "Time your contractions (duration and frequency). Stay hydrated and rest on your left side. Contact your healthcare provider if contractions become regular or painful.",
		category:       "Monitoring",
		priority:       5,
		severePriority: 5,
	},
}

var byRisk = map[models.RiskLevel]template{
	models.RiskHigh: {
		title:       "High-Risk Symptom Action Plan",
		description: "Your symptoms indicate a high-risk situation. Please contact your healthcare provider to discuss these symptoms.",
		category:    "Medical Attention",
		priority:    5,
	},
	models.RiskMedium: {
		title:       "Moderate Risk Monitoring",
		description: "Monitor your symptoms closely and log any changes. If symptoms worsen, contact your healthcare provider.",
		category:    "Monitoring",
		priority:    3,
	},
}

type trimesterKey struct {
	trimester int
	category  models.Category
}

var byTrimester = map[trimesterKey]template{
	{1, models.CategoryNausea}: {
		title:       "First Trimester Nausea Management",
		description: "Morning sickness is common in the first trimester. Try eating crackers before getting out of bed and ask your doctor about vitamin B6 supplements.",
		category:    "First Trimester",
		priority:    2,
	},
	{2, models.CategoryBackPain}: {
		title:       "Second Trimester Back Care",
		description: "Back pain may increase as your baby grows in the second trimester. Prenatal yoga or swimming can strengthen your back muscles.",
		category:    "Second Trimester",
		priority:    2,
	},
	{3, models.CategorySwelling}: {
		title:       "Third Trimester Swelling Relief",
		description: "Elevate your feet when sitting and avoid standing for long periods. Compression stockings may reduce swelling in your legs.",
		category:    "Third Trimester",
		priority:    2,
	},
}

// Deriver turns an analyzed observation into recommendations
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

// Derive concatenates the category, risk and trimester recommendations for obs
func (d *Deriver) Derive(obs models.Observation, result models.AnalysisResult) []models.Recommendation {
	var recs []models.Recommendation
	ts := d.now()

	if t, ok := byCategory[obs.Category]; ok {
		priority := t.priority
		if obs.Severity == models.SeveritySevere {
			priority = t.severePriority
		}
		recs = append(recs, d.build(obs, t, priority, ts))
	}

	if t, ok := byRisk[result.RiskLevel]; ok {
		recs = append(recs, d.build(obs, t, t.priority, ts))
	}

	if obs.PregnancyWeek != nil {
		key := trimesterKey{models.Trimester(*obs.PregnancyWeek), obs.Category}
		if t, ok := byTrimester[key]; ok {
			recs = append(recs, d.build(obs, t, t.priority, ts))
		}
	}

	return recs
}

func (d *Deriver) build(obs models.Observation, t template, priority int, ts time.Time) models.Recommendation {
	return models.Recommendation{
		ID:                d.newID(),
		SubjectID:         obs.SubjectID,
		Timestamp:         ts,
		Title:             t.title,
		Description:       t.description,
		RelatedCategories: []models.Category{obs.Category},
		Category:          t.category,
		Priority:          priority,
	}
}
