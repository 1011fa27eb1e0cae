// Package control holds the decision side of the edge controller: sensor
// smoothing, the PID loop, zone strategies, and the analyzer state machine
// that turns smoothed measurements into actuation commands.
package control

// WeightedMovingAverage smooths a sample stream with a recency-weighted
// mean: the oldest retained sample has weight 1, the newest has weight n.
// The weighted sum is maintained incrementally; on overflow the evicted
// sample's contribution is removed at the weight it held when it was the
// newest full-buffer sample. Capacity is fixed at construction.
type WeightedMovingAverage struct {
	samples     []float64
	weightedSum float64
	capacity    int
}

// NewWeightedMovingAverage creates a smoother holding up to capacity
// samples. Capacity must be at least 1.
func NewWeightedMovingAverage(capacity int) *WeightedMovingAverage {
	if capacity < 1 {
		capacity = 1
	}
	return &WeightedMovingAverage{
		samples:  make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// Update pushes a sample, evicting the oldest when full, and returns the
// new average.
func (w *WeightedMovingAverage) Update(sample float64) float64 {
	if len(w.samples) == w.capacity {
		w.weightedSum -= w.samples[0] * float64(w.capacity)
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, sample)
	w.weightedSum += sample * float64(len(w.samples))

	return w.Average()
}

// Average returns the current weighted mean, or 0 before the first
// update.
func (w *WeightedMovingAverage) Average() float64 {
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	return w.weightedSum / float64(n*(n+1)/2)
}

// Count returns how many samples are retained.
func (w *WeightedMovingAverage) Count() int { return len(w.samples) }

// Reset discards all retained samples.
func (w *WeightedMovingAverage) Reset() {
	w.samples = w.samples[:0]
	w.weightedSum = 0
}
