package taint

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Tags is a set of origin step indices. A nil Tags is untainted. Tag sets are
// treated as immutable once attached to a location so that copies may share them.
type Tags = mapset.Set[uint64]

func union(sets ...Tags) Tags {
	var out Tags
	for _, s := range sets {
		if s == nil || s.Cardinality() == 0 {
			continue
		}
		if out == nil {
			out = s.Clone()
			continue
		}
		out = out.Union(s)
	}
	return out
}

func with(t Tags, origin uint64) Tags {
	if t == nil {
		return mapset.NewThreadUnsafeSet[uint64](origin)
	}
	out := t.Clone()
	out.Add(origin)
	return out
}

func has(t Tags, origin uint64) bool {
	return t != nil && t.Contains(origin)
}

// byteTags is byte-granular taint of a memory-like region.
type byteTags map[uint64]Tags

func (m byteTags) read(off, size uint64) Tags {
	if size == 0 || len(m) == 0 {
		return nil
	}
	var parts []Tags
	if size > uint64(len(m)) {
		for i, t := range m {
			if i >= off && i-off < size {
				parts = append(parts, t)
			}
		}
	} else {
		for i := off; i < off+size; i++ {
			if t, ok := m[i]; ok {
				parts = append(parts, t)
			}
		}
	}
	return union(parts...)
}

func (m byteTags) clear(off, size uint64) {
	if size == 0 || len(m) == 0 {
		return
	}
	if size > uint64(len(m)) {
		for i := range m {
			if i >= off && i-off < size {
				delete(m, i)
			}
		}
		return
	}
	for i := off; i < off+size; i++ {
		delete(m, i)
	}
}

func (m byteTags) fill(off, size uint64, t Tags) {
	if t == nil || t.Cardinality() == 0 {
		m.clear(off, size)
		return
	}
	for i := off; i < off+size; i++ {
		m[i] = t
	}
}

// copyFrom overwrites m[dst:dst+size] with src[srcOff:srcOff+size].
func (m byteTags) copyFrom(dst uint64, src byteTags, srcOff, size uint64) {
	moved := make(map[uint64]Tags)
	for i, t := range src {
		if i >= srcOff && i-srcOff < size {
			moved[i-srcOff] = t
		}
	}
	m.clear(dst, size)
	for rel, t := range moved {
		m[dst+rel] = t
	}
}

func (m byteTags) mark(off, size uint64, origin uint64) {
	for i := off; i < off+size; i++ {
		m[i] = with(m[i], origin)
	}
}
