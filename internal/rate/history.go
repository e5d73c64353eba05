// Package rate derives per-second rates from cumulative counters.
package rate

// DefaultLimit is the number of samples kept per counter family.
const DefaultLimit = 7

// Sample is a set of cumulative counters observed at one instant.
type Sample struct {
	Timestamp float64 // seconds
	Counters  []float64
}

// History is a bounded, time-ordered window of samples for one counter
// family. The zero value is not usable; create one with NewHistory.
type History struct {
	limit   int
	samples []Sample
}

// NewHistory returns an empty history that keeps at most limit samples.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &History{limit: limit, samples: make([]Sample, 0, limit+1)}
}

// Len returns the number of retained samples.
func (h *History) Len() int { return len(h.samples) }

// PushAndCompute appends the sample, discards the oldest entries beyond the
// limit, and returns (newest - oldest) / (newest.ts - oldest.ts) for each
// counter. With a single retained sample the baseline is an all-zero sample
// at time 0, which is not stored.
//
// Equal timestamps yield Inf or NaN; callers sample at a fixed cadence.
func (h *History) PushAndCompute(now float64, counters []float64) []float64 {
	h.samples = append(h.samples, Sample{Timestamp: now, Counters: append([]float64(nil), counters...)})
	if n := len(h.samples); n > h.limit {
		h.samples = append(h.samples[:0], h.samples[n-h.limit:]...)
	}

	newest := h.samples[len(h.samples)-1]
	oldest := Sample{Counters: make([]float64, len(counters))}
	if len(h.samples) > 1 {
		oldest = h.samples[0]
	}

	dt := newest.Timestamp - oldest.Timestamp
	rates := make([]float64, len(newest.Counters))
	for i, v := range newest.Counters {
		var base float64
		if i < len(oldest.Counters) {
			base = oldest.Counters[i]
		}
		rates[i] = (v - base) / dt
	}
	return rates
}
