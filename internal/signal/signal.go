// Package signal summarizes satellite signal strength from GNSS status events.
package signal

import (
	"container/heap"
	"encoding/json"
	"sort"
)

// TopK is the number of strongest used-in-fix signals retained per status event.
const TopK = 4

// Sample is one satellite's signal report from a status event.
type Sample struct {
	SNR       float64 `json:"snr"`       // dB-Hz
	UsedInFix bool    `json:"usedInFix"` // Satellite contributed to the current fix
}

// Summary holds the strongest used-in-fix signals from one status event.
// The zero value is the empty summary.
type Summary struct {
	top      [TopK]float64 // Strongest first
	retained int

	Used    int `json:"used"`    // Samples with UsedInFix set
	Visible int `json:"visible"` // All samples in the event
}

// Observe builds a Summary from the full satellite list of one status event.
func Observe(samples []Sample) Summary {
	h := make(minHeap, 0, TopK+1)
	var s Summary
	for _, sample := range samples {
		s.Visible++
		if !sample.UsedInFix {
			continue
		}
		s.Used++
		heap.Push(&h, sample.SNR)
		if h.Len() > TopK {
			heap.Pop(&h)
		}
	}

	vals := []float64(h)
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	s.retained = copy(s.top[:], vals)
	return s
}

// FromSignals rebuilds a Summary from already-ranked values, e.g. when parsing
// a track log. Non-positive values are treated as missing.
func FromSignals(used, visible int, values ...float64) Summary {
	var samples []Sample
	for _, v := range values {
		if v > 0 {
			samples = append(samples, Sample{SNR: v, UsedInFix: true})
		}
	}
	s := Observe(samples)
	s.Used = used
	s.Visible = visible
	return s
}

// Retained returns how many signals were kept (at most TopK).
func (s Summary) Retained() int { return s.retained }

// Signal returns the i-th strongest retained signal, or 0 if fewer were retained.
func (s Summary) Signal(i int) float64 {
	if i < 0 || i >= s.retained {
		return 0
	}
	return s.top[i]
}

// Signals returns a copy of the retained signals, strongest first.
func (s Summary) Signals() []float64 {
	out := make([]float64, s.retained)
	copy(out, s.top[:s.retained])
	return out
}

// Average returns the mean of the retained signals, dividing by the number
// actually retained rather than TopK. It is 0 when nothing was retained.
func (s Summary) Average() float64 {
	if s.retained == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.top[:s.retained] {
		sum += v
	}
	return sum / float64(s.retained)
}

// MarshalJSON includes the retained signals and their average.
func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Signals []float64 `json:"signals"`
		Average float64   `json:"average"`
		Used    int       `json:"used"`
		Visible int       `json:"visible"`
	}{s.Signals(), s.Average(), s.Used, s.Visible})
}

type minHeap []float64

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(float64)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
