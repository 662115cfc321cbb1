// Package features turns symptom observations into numeric vectors for the anomaly model
package features

import (
	"math"

	"symptomtracker/internal/models"
)

const (
	colSeverity = iota
	colDuration
	colWeek
	colCategoryStart
)

// Width is the number of columns per vector: severity, duration, week and one column per category
var Width = colCategoryStart + len(models.Categories)

// Matrix is a row-major set of feature vectors
type Matrix [][]float64

// Rows returns the number of vectors
func (m Matrix) Rows() int {
	return len(m)
}

// Vector builds the raw feature vector of a single observation
func Vector(o models.Observation) []float64 {
	v := make([]float64, Width)
	v[colSeverity] = float64(o.Severity.Ordinal())
	if o.DurationMinutes != nil {
		v[colDuration] = float64(*o.DurationMinutes)
	}
	if o.PregnancyWeek != nil {
		v[colWeek] = float64(*o.PregnancyWeek)
	}
	for i, c := range models.Categories {
		if o.Category == c {
			v[colCategoryStart+i] = 1
		}
	}
	return v
}

// Extract builds the feature matrix for the observations in order. When more than
// one observation is given every column is standardized over the batch.
func Extract(observations []models.Observation) Matrix {
	m := make(Matrix, len(observations))
	for i, o := range observations {
		m[i] = Vector(o)
	}
	if len(m) <= 1 {
		return m
	}
	var s Scaler
	s.Fit(m)
	return s.Transform(m)
}

// Scaler standardizes columns to zero mean and unit variance
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// Fit computes per-column mean and population standard deviation.
// Columns without variance get a scale of 1 so they map to zero.
func (s *Scaler) Fit(m Matrix) {
	if len(m) == 0 {
		s.Mean, s.Scale = nil, nil
		return
	}
	width := len(m[0])
	s.Mean = make([]float64, width)
	s.Scale = make([]float64, width)

	n := float64(len(m))
	for _, row := range m {
		for j := 0; j < width; j++ {
			s.Mean[j] += row[j]
		}
	}
	for j := range s.Mean {
		s.Mean[j] /= n
	}

	for _, row := range m {
		for j := 0; j < width; j++ {
			d := row[j] - s.Mean[j]
			s.Scale[j] += d * d
		}
	}
	for j := range s.Scale {
		std := math.Sqrt(s.Scale[j] / n)
		if std < 1e-12 || math.IsNaN(std) {
			std = 1
		}
		s.Scale[j] = std
	}
}

// Transform applies the fitted parameters to a copy of m
func (s *Scaler) Transform(m Matrix) Matrix {
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = s.TransformVector(row)
	}
	return out
}

// TransformVector applies the fitted parameters to a single vector
func (s *Scaler) TransformVector(v []float64) []float64 {
	out := make([]float64, len(v))
	for j := range v {
		if j >= len(s.Mean) {
			out[j] = v[j]
			continue
		}
		out[j] = (v[j] - s.Mean[j]) / s.Scale[j]
	}
	return out
}
