package monitoring

import (
	"math"
	"slices"
	"time"
)

// window keeps the most recent latency samples in a ring.
type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// percentiles returns nearest-rank percentiles for each q in qs (0..1).
func (w *window) percentiles(qs ...float64) []time.Duration {
	out := make([]time.Duration, len(qs))
	n := w.len()
	if n == 0 {
		return out
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	for i, q := range qs {
		rank := int(math.Ceil(q*float64(n))) - 1
		rank = max(0, min(rank, n-1))
		out[i] = sorted[rank]
	}
	return out
}
