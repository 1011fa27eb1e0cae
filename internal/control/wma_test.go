package control

import (
	"math"
	"testing"
)

func TestWeightedMovingAverageFormula(t *testing.T) {
	w := NewWeightedMovingAverage(5)

	samples := []float64{100, 120, 110, 130, 125}
	var got float64
	for _, s := range samples {
		got = w.Update(s)
	}

	// (100*1 + 120*2 + 110*3 + 130*4 + 125*5) / 15
	if got != 1815.0/15 {
		t.Errorf("average = %v, want %v", got, 1815.0/15)
	}
}

func TestWeightedMovingAveragePartialFill(t *testing.T) {
	w := NewWeightedMovingAverage(5)

	tests := []struct {
		sample float64
		want   float64
	}{
		{sample: 100, want: 100},         // 100*1 / 1
		{sample: 120, want: 340.0 / 3},   // (100*1 + 120*2) / 3
		{sample: 110, want: 670.0 / 6},   // + 110*3
		{sample: 130, want: 1190.0 / 10}, // + 130*4
		{sample: 125, want: 1815.0 / 15}, // + 125*5
	}

	for i, tt := range tests {
		got := w.Update(tt.sample)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("after sample %d: average = %v, want %v", i+1, got, tt.want)
		}
	}
}

func TestWeightedMovingAverageEviction(t *testing.T) {
	w := NewWeightedMovingAverage(3)

	for _, s := range []float64{1, 2, 3} {
		w.Update(s)
	}
	// Full buffer: weighted sum = 1*1 + 2*2 + 3*3 = 14. The fourth sample
	// evicts the oldest at weight 3 and enters at weight 3:
	// (14 - 1*3 + 4*3) / 6
	got := w.Update(4)
	want := 23.0 / 6
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("average = %v, want %v", got, want)
	}
	if w.Count() != 3 {
		t.Errorf("count = %d, want 3", w.Count())
	}
}

func TestWeightedMovingAverageFavorsRecent(t *testing.T) {
	w := NewWeightedMovingAverage(4)
	for _, s := range []float64{0, 0, 0, 100} {
		w.Update(s)
	}

	// Newest sample carries weight 4 of 10.
	if got := w.Average(); got != 40.0 {
		t.Errorf("average = %v, want 40.0", got)
	}
}

func TestWeightedMovingAverageCapacityOne(t *testing.T) {
	w := NewWeightedMovingAverage(1)
	w.Update(10)
	if got := w.Update(30); got != 30.0 {
		t.Errorf("average = %v, want 30.0", got)
	}
}

func TestWeightedMovingAverageReset(t *testing.T) {
	w := NewWeightedMovingAverage(3)
	w.Update(50)
	w.Reset()

	if w.Count() != 0 {
		t.Errorf("count after reset = %d, want 0", w.Count())
	}
	if got := w.Average(); got != 0 {
		t.Errorf("average after reset = %v, want 0", got)
	}
}
