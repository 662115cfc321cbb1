package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"symptomtracker/internal/apperr"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/models"
)

var requiredColumns = []string{"user_id", "symptom_type", "severity"}

type observationLogger interface {
	LogObservation(ctx context.Context, in models.ObservationInput) (models.LogResult, error)
}

// row is one parsed CSV record with its line number for reporting
type row struct {
	line  int
	input models.ObservationInput
}

// Summary totals an import run
type Summary struct {
	Imported  int
	Rejected  int
	Anomalies int
	Alerts    int
	Duration  time.Duration
}

// readRows parses the CSV. Columns are matched by header name; unparsable rows are
// returned as errors keyed by line and do not stop the read.
func readRows(r io.Reader) ([]row, map[int]error, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("CSV header is missing column %q", name)
		}
	}
	reader.FieldsPerRecord = len(header)

	var rows []row
	bad := make(map[int]error)
	line := 1
	for {
		record, err := reader.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			bad[line] = err
			continue
		}

		in, err := parseRecord(record, cols)
		if err != nil {
			bad[line] = err
			continue
		}
		rows = append(rows, row{line: line, input: in})
	}
	return rows, bad, nil
}

func parseRecord(record []string, cols map[string]int) (models.ObservationInput, error) {
	field := func(name string) string {
		if i, ok := cols[name]; ok {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	in := models.ObservationInput{
		SubjectID:   field("user_id"),
		Category:    field("symptom_type"),
		Severity:    field("severity"),
		Description: field("description"),
	}

	if ts := field("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return in, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		in.Timestamp = t
	}

	var err error
	if in.PregnancyWeek, err = optionalInt(field("pregnancy_week")); err != nil {
		return in, fmt.Errorf("invalid pregnancy_week: %w", err)
	}
	if in.DurationMinutes, err = optionalInt(field("duration_minutes")); err != nil {
		return in, fmt.Errorf("invalid duration_minutes: %w", err)
	}
	return in, nil
}

func optionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// partition maps a subject to a worker so one subject's rows stay in file order
func partition(subjectID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	return int(h.Sum32() % uint32(workers))
}

// result holds the outcome for a single row
type result struct {
	line      int
	subjectID string
	res       models.LogResult
	err       error
}

// replay logs rows through svc with a worker pool. Different subjects run in
// parallel; rows of the same subject are logged in file order.
func replay(ctx context.Context, svc observationLogger, rows []row, numWorkers int, log *logger.Logger) Summary {
	startTime := time.Now()

	if numWorkers < 1 {
		numWorkers = 1
	}
	if len(rows) < numWorkers {
		numWorkers = max(len(rows), 1)
	}

	// Create one job queue per worker and a shared result channel
	jobs := make([]chan row, numWorkers)
	for i := range jobs {
		jobs[i] = make(chan row, 64)
	}
	results := make(chan result, len(rows))

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go worker(ctx, svc, jobs[i], results, &wg)
	}

	// Route every row to the worker owning its subject
	go func() {
		for _, r := range rows {
			jobs[partition(strings.TrimSpace(r.input.SubjectID), numWorkers)] <- r
		}
		for _, ch := range jobs {
			close(ch)
		}
	}()

	// Wait for all workers to finish, then close results channel
	go func() {
		wg.Wait()
		close(results)
	}()

	var summary Summary
	for r := range results {
		if r.err != nil {
			summary.Rejected++
			if errors.Is(r.err, apperr.ErrValidation) {
				log.Warn("rejected row", "line", r.line, "error", r.err)
			} else {
				log.Error("failed to log row", "line", r.line, "error", r.err)
			}
			continue
		}

		summary.Imported++
		summary.Alerts += len(r.res.Alerts)
		if r.res.Analysis.AnomalyDetected {
			summary.Anomalies++
		}
		if summary.Imported%100 == 0 {
			log.Info("import progress", "imported", summary.Imported)
		}
	}

	summary.Duration = time.Since(startTime)
	return summary
}

// worker processes rows from its jobs channel in order
func worker(ctx context.Context, svc observationLogger, jobs <-chan row, results chan<- result, wg *sync.WaitGroup) {
	defer wg.Done()

	for r := range jobs {
		if ctx.Err() != nil {
			results <- result{line: r.line, subjectID: r.input.SubjectID, err: ctx.Err()}
			continue
		}
		res, err := svc.LogObservation(ctx, r.input)
		results <- result{line: r.line, subjectID: r.input.SubjectID, res: res, err: err}
	}
}
