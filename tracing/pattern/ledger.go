package pattern

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Pair is a confirmed (source step, destination step) relationship.
type Pair struct {
	Source      uint64
	Destination uint64
}

// orderedSet is an insertion-ordered set of step indices.
type orderedSet struct {
	items []uint64
	seen  mapset.Set[uint64]
}

func newOrderedSet() orderedSet {
	return orderedSet{seen: mapset.NewThreadUnsafeSet[uint64]()}
}

func (s *orderedSet) add(i uint64) bool {
	if !s.seen.Add(i) {
		return false
	}
	s.items = append(s.items, i)
	return true
}

// Ledger is the dependency bookkeeping of one relation node.
type Ledger struct {
	sources      orderedSet
	destinations orderedSet
	pairs        []Pair
	pairSet      mapset.Set[Pair]
}

func NewLedger() *Ledger {
	return &Ledger{
		sources:      newOrderedSet(),
		destinations: newOrderedSet(),
		pairSet:      mapset.NewThreadUnsafeSet[Pair](),
	}
}

func (l *Ledger) AddSource(i uint64) bool {
	return l.sources.add(i)
}

func (l *Ledger) AddDestination(i uint64) bool {
	return l.destinations.add(i)
}

func (l *Ledger) AddPair(p Pair) bool {
	if !l.pairSet.Add(p) {
		return false
	}
	l.pairs = append(l.pairs, p)
	return true
}

func (l *Ledger) HasPair(p Pair) bool {
	return l.pairSet.Contains(p)
}

// Sources in recording order.
func (l *Ledger) Sources() []uint64 {
	return l.sources.items
}

func (l *Ledger) Destinations() []uint64 {
	return l.destinations.items
}

func (l *Ledger) Pairs() []Pair {
	return l.pairs
}

// PairAt returns the pair recorded with destination d, if any.
func (l *Ledger) PairAt(d uint64) (Pair, bool) {
	for _, p := range l.pairs {
		if p.Destination == d {
			return p, true
		}
	}
	return Pair{}, false
}

// compact shrinks sources and destinations to the steps of recorded pairs.
func (l *Ledger) compact() {
	l.sources = newOrderedSet()
	l.destinations = newOrderedSet()
	for _, p := range l.pairs {
		l.sources.add(p.Source)
		l.destinations.add(p.Destination)
	}
}

// steps adds every step the ledger references to keep.
func (l *Ledger) steps(keep map[uint64]struct{}) {
	for _, i := range l.sources.items {
		keep[i] = struct{}{}
	}
	for _, i := range l.destinations.items {
		keep[i] = struct{}{}
	}
	for _, p := range l.pairs {
		keep[p.Source] = struct{}{}
		keep[p.Destination] = struct{}{}
	}
}
