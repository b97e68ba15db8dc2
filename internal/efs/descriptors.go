package efs

import "sort"

// DescriptorIndex is the in-memory mirror of every descriptor currently on
// disk, keyed by file-ID, plus the slot page each descriptor lives in so
// mutations know where to write back. Unlike the on-disk unrolled list, it
// does not need to preserve node structure; a map serves lookup-by-id and
// lookup-by-(parent,name) equally well.
type DescriptorIndex struct {
	byID map[FileID]*Descriptor
	slot map[FileID]PageIndex
}

// NewDescriptorIndex returns an empty index.
func NewDescriptorIndex() *DescriptorIndex {
	return &DescriptorIndex{
		byID: make(map[FileID]*Descriptor),
		slot: make(map[FileID]PageIndex),
	}
}

// LookupByID returns the descriptor for id, if present. The returned
// pointer is the index's own copy; callers that intend to mutate it should
// Clone first.
func (x *DescriptorIndex) LookupByID(id FileID) (*Descriptor, bool) {
	d, ok := x.byID[id]
	return d, ok
}

// LookupChild returns the child of parent named name, if one exists. Name
// matching is an exact byte comparison.
func (x *DescriptorIndex) LookupChild(parent FileID, name string) (*Descriptor, bool) {
	for _, d := range x.byID {
		if d.ParentID == parent && d.Name == name && d.FileID != parent {
			return d, true
		}
	}
	return nil, false
}

// ChildrenOf returns every descriptor whose ParentID is parent, in a
// deterministic order (by name) so that a readdir snapshot taken from the
// result is stable for the lifetime of the directory handle that holds it.
func (x *DescriptorIndex) ChildrenOf(parent FileID) []*Descriptor {
	var out []*Descriptor
	for _, d := range x.byID {
		if d.ParentID == parent && d.FileID != parent {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Insert adds or replaces the descriptor for d.FileID, recording which slot
// page it occupies on disk.
func (x *DescriptorIndex) Insert(d *Descriptor, slot PageIndex) {
	x.byID[d.FileID] = d
	x.slot[d.FileID] = slot
}

// Remove drops id from the index entirely.
func (x *DescriptorIndex) Remove(id FileID) {
	delete(x.byID, id)
	delete(x.slot, id)
}

// SlotOf returns the on-disk slot page id's descriptor occupies.
func (x *DescriptorIndex) SlotOf(id FileID) (PageIndex, bool) {
	s, ok := x.slot[id]
	return s, ok
}

// Len returns the number of descriptors currently indexed.
func (x *DescriptorIndex) Len() int {
	return len(x.byID)
}
