package trace

import (
	"fmt"
	"sort"
)

// Window is the part of a session's execution history that is still
// addressable, keyed by step index. Steps of earlier transactions are pruned
// once no open dependency references them.
type Window struct {
	steps map[uint64]*Step
}

func NewWindow() *Window {
	return &Window{steps: make(map[uint64]*Step)}
}

// Add ingests a step. Re-adding an index replaces the previous step.
func (w *Window) Add(s *Step) {
	w.steps[s.Index] = s
}

// Get returns the step at index i if it is still in the window.
func (w *Window) Get(i uint64) (*Step, bool) {
	s, ok := w.steps[i]
	return s, ok
}

// Step returns the step at index i, failing if it was pruned or never ingested.
func (w *Window) Step(i uint64) (*Step, error) {
	s, ok := w.steps[i]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPrunedStep, i)
	}
	return s, nil
}

// Next returns the step following s within the same transaction.
func (w *Window) Next(s *Step) (*Step, bool) {
	n, ok := w.steps[s.Index+1]
	if !ok || !n.SameTransaction(s) {
		return nil, false
	}
	return n, true
}

// Prev returns the step preceding s, regardless of its transaction.
func (w *Window) Prev(s *Step) (*Step, bool) {
	if s.Index == 0 {
		return nil, false
	}
	p, ok := w.steps[s.Index-1]
	return p, ok
}

// Retain drops every step whose index is not in keep and returns how many were removed.
func (w *Window) Retain(keep map[uint64]struct{}) int {
	removed := 0
	for i := range w.steps {
		if _, ok := keep[i]; !ok {
			delete(w.steps, i)
			removed++
		}
	}
	return removed
}

func (w *Window) Len() int {
	return len(w.steps)
}

// Indices returns the indices currently held, ascending.
func (w *Window) Indices() []uint64 {
	out := make([]uint64, 0, len(w.steps))
	for i := range w.steps {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
