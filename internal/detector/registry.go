package detector

import (
	"sync"
	"time"

	"symptomtracker/internal/apperr"
	"symptomtracker/internal/features"
	"symptomtracker/internal/metrics"
)

var errUntrained = apperr.ModelState("anomaly model is not trained", nil)

// Options configures the per-subject models
type Options struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64
	// RetrainEvery forces a retrain whenever the prior history size is a multiple of it
	RetrainEvery int
}

// DefaultOptions returns the standard forest parameters
func DefaultOptions() Options {
	return Options{
		Trees:         100,
		MaxSamples:    256,
		Contamination: 0.05,
		Seed:          42,
		RetrainEvery:  10,
	}
}

// ModelState is the trained model of one subject
type ModelState struct {
	Forest       *Forest
	TrainedAt    time.Time
	TrainingRows int
}

type entry struct {
	mu       sync.Mutex
	state    *ModelState
	lastUsed time.Time
}

// Registry holds one model per subject. Subjects never share model state.
type Registry struct {
	opts    Options
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.RetrainEvery <= 0 {
		opts.RetrainEvery = DefaultOptions().RetrainEvery
	}
	return &Registry{
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func (r *Registry) entry(subjectID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[subjectID]
	if !ok {
		// stamped so EvictIdle cannot drop it before the first Score locks it
		e = &entry{lastUsed: r.now()}
		r.entries[subjectID] = e
		metrics.RegistrySize.Set(float64(len(r.entries)))
	}
	return e
}

// Score scores x against the subject's model, retraining on train first when the
// subject has never been trained or priorCount is a multiple of RetrainEvery.
// Training on fewer than two rows is skipped. A failed retrain keeps the previous
// state and its error is returned.
func (r *Registry) Score(subjectID string, train features.Matrix, x []float64, priorCount int) (float64, error) {
	e := r.entry(subjectID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = r.now()

	if r.needsRetrain(e.state, priorCount) && len(train) >= 2 {
		forest := NewForest(r.opts.Trees, r.opts.MaxSamples, r.opts.Contamination, r.opts.Seed)
		err := forest.Fit(train)
		metrics.RecordRetrain(err)
		if err != nil {
			return 0, err
		}
		e.state = &ModelState{
			Forest:       forest,
			TrainedAt:    e.lastUsed,
			TrainingRows: len(train),
		}
	}

	if e.state == nil {
		return 0, errUntrained
	}
	return e.state.Forest.Score(x), nil
}

func (r *Registry) needsRetrain(state *ModelState, priorCount int) bool {
	return state == nil || priorCount%r.opts.RetrainEvery == 0
}

// State returns a copy of the subject's model state
func (r *Registry) State(subjectID string) (ModelState, bool) {
	r.mu.Lock()
	e, ok := r.entries[subjectID]
	r.mu.Unlock()
	if !ok {
		return ModelState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ModelState{}, false
	}
	return *e.state, true
}

// Len returns the number of subjects in the registry
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle drops subjects not scored within ttl and returns how many were removed.
// Evicted subjects are retrained on their next observation.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	metrics.RegistrySize.Set(float64(len(r.entries)))
	return removed
}
