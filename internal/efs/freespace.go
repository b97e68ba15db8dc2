package efs

import (
	"sort"

	"golang.org/x/xerrors"
)

// FreeSpaceIndex is the in-memory mirror of the on-disk free-space-node
// list: a set of disjoint, non-adjacent page extents kept in ascending
// order by start page. Unlike the on-disk list it does not need to be a
// linked list itself; a sorted slice is sufficient and simpler to reason
// about.
type FreeSpaceIndex struct {
	extents []Extent
}

// NewFreeSpaceIndex returns an empty index.
func NewFreeSpaceIndex() *FreeSpaceIndex {
	return &FreeSpaceIndex{}
}

// Load replaces the index's contents with extents read from the on-disk
// list, in the order they were walked. It rejects the list if it is not
// strictly ascending or if two extents overlap, since a violation there
// means the image is corrupt or was hand-edited out of contract. Adjacent
// extents are accepted as loaded; they are not coalesced.
func (f *FreeSpaceIndex) Load(extents []Extent) error {
	for i := 1; i < len(extents); i++ {
		prev, cur := extents[i-1], extents[i]
		if cur.Start <= prev.Start {
			return newErr("freeSpaceIndex.Load", KindCorrupt, xerrors.Errorf("extent %d (start %d) out of order after %d", i, cur.Start, prev.Start))
		}
		if prev.Start+prev.Length > cur.Start {
			return newErr("freeSpaceIndex.Load", KindCorrupt, xerrors.Errorf("extent %d overlaps extent %d", i, i-1))
		}
	}
	f.extents = append([]Extent(nil), extents...)
	return nil
}

// Extents returns a snapshot of the current free list, ordered ascending by
// start page, for persistence or introspection.
func (f *FreeSpaceIndex) Extents() []Extent {
	return append([]Extent(nil), f.extents...)
}

// TotalFree returns the total number of free pages across all extents.
func (f *FreeSpaceIndex) TotalFree() uint64 {
	var total uint64
	for _, e := range f.extents {
		total += e.Length
	}
	return total
}

// ExtentAt returns the length of the free extent starting exactly at start,
// if one exists.
func (f *FreeSpaceIndex) ExtentAt(start PageIndex) (length uint64, ok bool) {
	for _, e := range f.extents {
		if e.Start == start {
			return e.Length, true
		}
		if e.Start > start {
			break
		}
	}
	return 0, false
}

func (f *FreeSpaceIndex) removeAt(i int) {
	f.extents = append(f.extents[:i], f.extents[i+1:]...)
}

// TakeFront consumes the first n pages of the free extent that starts
// exactly at start. It fails if no such extent exists or it is shorter than
// n pages.
func (f *FreeSpaceIndex) TakeFront(start PageIndex, n uint64) error {
	for i, e := range f.extents {
		if e.Start != start {
			continue
		}
		if e.Length < n {
			return newErr("freeSpaceIndex.TakeFront", KindIOError, xerrors.Errorf("extent at %d has only %d pages, want %d", start, e.Length, n))
		}
		if e.Length == n {
			f.removeAt(i)
		} else {
			f.extents[i] = Extent{Start: e.Start + n, Length: e.Length - n}
		}
		return nil
	}
	return newErr("freeSpaceIndex.TakeFront", KindIOError, xerrors.Errorf("no free extent starts at %d", start))
}

// Allocate reserves sizePages pages from the free list.
//
// When preferContiguous is true, it uses first-fit: the first extent in
// ascending-start order whose length is at least sizePages is carved, and a
// single extent is returned. It fails with KindNoSpace if no single extent
// is large enough, even if the total free space would suffice.
//
// When preferContiguous is false, it greedily packs from the largest
// extents down (ties broken toward the lower start page), splitting the
// last extent it needs, and returns however many extents were required to
// cover sizePages. It fails with KindNoSpace only if the total free space
// is insufficient.
func (f *FreeSpaceIndex) Allocate(sizePages uint64, preferContiguous bool) ([]Extent, error) {
	if sizePages == 0 {
		return nil, nil
	}
	if preferContiguous {
		for i, e := range f.extents {
			if e.Length >= sizePages {
				taken := Extent{Start: e.Start, Length: sizePages}
				if e.Length == sizePages {
					f.removeAt(i)
				} else {
					f.extents[i] = Extent{Start: e.Start + sizePages, Length: e.Length - sizePages}
				}
				return []Extent{taken}, nil
			}
		}
		return nil, newErr("freeSpaceIndex.Allocate", KindNoSpace, xerrors.Errorf("no single extent holds %d contiguous pages", sizePages))
	}

	if f.TotalFree() < sizePages {
		return nil, newErr("freeSpaceIndex.Allocate", KindNoSpace, xerrors.Errorf("only %d free pages, want %d", f.TotalFree(), sizePages))
	}
	var result []Extent
	remaining := sizePages
	for remaining > 0 {
		idx := f.largestIndex()
		if idx < 0 {
			return nil, newErr("freeSpaceIndex.Allocate", KindNoSpace, xerrors.New("free list exhausted before satisfying request"))
		}
		e := f.extents[idx]
		take := e.Length
		if take > remaining {
			take = remaining
		}
		if e.Length == take {
			f.removeAt(idx)
		} else {
			f.extents[idx] = Extent{Start: e.Start + take, Length: e.Length - take}
		}
		result = append(result, Extent{Start: e.Start, Length: take})
		remaining -= take
	}
	return result, nil
}

// largestIndex returns the index of the longest extent, breaking ties
// toward the lower start page, or -1 if the list is empty.
func (f *FreeSpaceIndex) largestIndex() int {
	best := -1
	for i, e := range f.extents {
		if best < 0 {
			best = i
			continue
		}
		b := f.extents[best]
		if e.Length > b.Length || (e.Length == b.Length && e.Start < b.Start) {
			best = i
		}
	}
	return best
}

// Release returns an extent to the free list, inserting it in order and
// coalescing with an adjacent neighbor on either side.
func (f *FreeSpaceIndex) Release(e Extent) {
	if e.Length == 0 {
		return
	}
	i := sort.Search(len(f.extents), func(i int) bool { return f.extents[i].Start >= e.Start })
	f.extents = append(f.extents, Extent{})
	copy(f.extents[i+1:], f.extents[i:])
	f.extents[i] = e

	// Coalesce with the following neighbor first so index i still points at
	// the merged or original extent when we look at the preceding one.
	if i+1 < len(f.extents) {
		next := f.extents[i+1]
		if f.extents[i].Start+f.extents[i].Length == next.Start {
			f.extents[i].Length += next.Length
			f.removeAt(i + 1)
		}
	}
	if i > 0 {
		prev := f.extents[i-1]
		if prev.Start+prev.Length == f.extents[i].Start {
			f.extents[i-1].Length += f.extents[i].Length
			f.removeAt(i)
		}
	}
}

// ReleaseAll releases every extent in es.
func (f *FreeSpaceIndex) ReleaseAll(es []Extent) {
	for _, e := range es {
		f.Release(e)
	}
}
