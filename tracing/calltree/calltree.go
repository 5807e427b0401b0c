// Package calltree tracks, for every step, the step that opened its enclosing
// call context.
package calltree

import "github.com/DQYXACML/tracescan/tracing/trace"

type node struct {
	parent uint64
	root   bool
}

type Tracker struct {
	nodes map[uint64]node

	last *trace.Step
}

func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[uint64]node)}
}

// Advance records the ancestry of step. Steps must be fed in execution order.
func (t *Tracker) Advance(step *trace.Step) {
	prev := t.last
	t.last = step

	if prev == nil || !prev.SameTransaction(step) || prev.Index+1 != step.Index {
		t.nodes[step.Index] = node{root: true}
		return
	}

	prevNode := t.nodes[prev.Index]
	switch {
	case step.Depth > prev.Depth:
		t.nodes[step.Index] = node{parent: prev.Index}
	case step.Depth < prev.Depth:
		if prevNode.root {
			t.nodes[step.Index] = node{root: true}
			return
		}
		up, ok := t.nodes[prevNode.parent]
		if !ok || up.root {
			t.nodes[step.Index] = node{root: true}
			return
		}
		t.nodes[step.Index] = node{parent: up.parent}
	default:
		t.nodes[step.Index] = prevNode
	}
}

// Ancestor returns the step that opened the call context of step i.
func (t *Tracker) Ancestor(i uint64) (uint64, bool) {
	n, ok := t.nodes[i]
	if !ok || n.root {
		return 0, false
	}
	return n.parent, true
}

// IsAncestor reports whether candidate opened one of the call contexts
// enclosing step. A step is never its own ancestor.
func (t *Tracker) IsAncestor(candidate, step uint64) bool {
	cur := step
	for {
		parent, ok := t.Ancestor(cur)
		if !ok {
			return false
		}
		if parent == candidate {
			return true
		}
		if parent >= cur {
			// ancestors always precede their descendants
			return false
		}
		cur = parent
	}
}

// Retain forgets ancestry for steps outside keep.
func (t *Tracker) Retain(keep map[uint64]struct{}) {
	for i := range t.nodes {
		if _, ok := keep[i]; !ok {
			delete(t.nodes, i)
		}
	}
}

// Reset drops the link to the last processed step so the next one starts a new context.
func (t *Tracker) Reset() {
	t.last = nil
}
