package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestWeightFor pins the weight formula: 1000/max(rt,100) clamped to
// [0.1, 5.0].
func TestWeightFor(t *testing.T) {
	tests := []struct {
		name string
		rtMs float64
		want float64
	}{
		{name: "floor at 100ms", rtMs: 50, want: 5.0},
		{name: "exactly 100ms", rtMs: 100, want: 5.0},
		{name: "200ms", rtMs: 200, want: 5.0},
		{name: "500ms", rtMs: 500, want: 2.0},
		{name: "1s", rtMs: 1000, want: 1.0},
		{name: "5s", rtMs: 5000, want: 0.2},
		{name: "clamped at slow end", rtMs: 60000, want: 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, weightFor(tt.rtMs), 1e-9)
		})
	}
}

// TestWeightFor_Monotone: reducing response time never decreases the weight.
func TestWeightFor_Monotone(t *testing.T) {
	prev := weightFor(100000)
	for rt := float64(90000); rt >= 10; rt -= 137 {
		w := weightFor(rt)
		assert.GreaterOrEqual(t, w, prev, "rt=%f", rt)
		assert.GreaterOrEqual(t, w, minWeight)
		assert.LessOrEqual(t, w, maxWeight)
		prev = w
	}
}

// TestWeightRecord_EMA: the smoothed average blends 0.8 old / 0.2 new, with
// the first sample taken verbatim.
func TestWeightRecord_EMA(t *testing.T) {
	w := newWeightRecord()
	assert.InDelta(t, 1.0, w.current(), 1e-9, "neutral weight before any sample")

	w.recordSuccess(1000)
	_, total, successful, avg := w.stats()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), successful)
	assert.InDelta(t, 1000.0, avg, 1e-9)
	assert.InDelta(t, 1.0, w.current(), 1e-9)

	w.recordSuccess(500)
	_, _, _, avg = w.stats()
	assert.InDelta(t, 0.8*1000+0.2*500, avg, 1e-9)

	// Failures bump totals but never touch the average or weight.
	before := w.current()
	w.recordFailure()
	_, total, successful, _ = w.stats()
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(2), successful)
	assert.InDelta(t, before, w.current(), 1e-9)
}
