package efs

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// CreateFile allocates a new file-ID under parent, writes its descriptor to
// a free slot taken from the free-slot pool (extending the descriptor-node list by a whole node
// if none is free), and returns the new descriptor. It fails with
// KindNoSpace or KindIOError.
func (s *Session) CreateFile(parent FileID) (*Descriptor, error) {
	if err := s.checkDegraded("CreateFile"); err != nil {
		return nil, err
	}
	id := s.smallestUnusedID()
	d := &Descriptor{
		FileID:    id,
		ParentID:  parent,
		IsFile:    true,
		Perm:      PermOwnerRead | PermOwnerWrite | PermGroupRead | PermOthersRead,
		OwnerUUID: uuid.Nil,
		GroupUUID: uuid.Nil,
		Atime:     time.Now(),
		Mtime:     time.Now(),
	}

	slot, err := s.allocSlot()
	if err != nil {
		return nil, err
	}
	if err := s.writeSlot(slot, d); err != nil {
		s.freeSlots = append(s.freeSlots, slot)
		return nil, s.markDegraded(err)
	}
	s.descriptors.Insert(d, slot.slot)
	return d, nil
}

func (s *Session) smallestUnusedID() FileID {
	id := RootID + 1
	for {
		if _, ok := s.descriptors.LookupByID(id); !ok {
			return id
		}
		id++
	}
}

// allocSlot returns a free descriptor slot, extending the node list by one
// whole node (NodeSpan contiguous pages) if none is currently free.
func (s *Session) allocSlot() (slotRef, error) {
	if len(s.freeSlots) > 0 {
		ref := s.freeSlots[len(s.freeSlots)-1]
		s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
		return ref, nil
	}

	extents, err := s.freeSpace.Allocate(NodeSpan, true)
	if err != nil {
		return slotRef{}, newErr("allocSlot", KindNoSpace, xerrors.Errorf("extending descriptor-node list: %w", err))
	}
	start := extents[0].Start

	header := EncodeDescriptorNodeHeader(0, 0)
	if err := WritePage(s.dev, start, header); err != nil {
		s.freeSpace.ReleaseAll(extents)
		return slotRef{}, s.markDegraded(err)
	}
	empty := make([]byte, PageSize)
	var fresh []slotRef
	for i := uint64(1); i <= descSlotsPerNode; i++ {
		if err := WritePage(s.dev, start+i, empty); err != nil {
			s.freeSpace.ReleaseAll(extents)
			return slotRef{}, s.markDegraded(err)
		}
		fresh = append(fresh, slotRef{node: start, slot: start + i})
	}

	if len(s.nodes) > 0 {
		last := &s.nodes[len(s.nodes)-1]
		last.next = start
		if err := s.writeNodeHeader(last); err != nil {
			return slotRef{}, s.markDegraded(err)
		}
	} else {
		s.sb.DescriptorTable = start
		if err := s.writeSuperblock(); err != nil {
			return slotRef{}, s.markDegraded(err)
		}
	}
	s.nodes = append(s.nodes, node{start: start, next: 0, count: 0})

	taken := fresh[len(fresh)-1]
	s.freeSlots = append(s.freeSlots, fresh[:len(fresh)-1]...)
	return taken, nil
}

func (s *Session) writeSuperblock() error {
	return WritePage(s.dev, 0, EncodeSuperblock(s.sb))
}

func (s *Session) writeNodeHeader(n *node) error {
	return WritePage(s.dev, n.start, EncodeDescriptorNodeHeader(n.next, n.count))
}

func (s *Session) nodeOf(slot PageIndex) *node {
	for i := range s.nodes {
		if slot > s.nodes[i].start && slot <= s.nodes[i].start+descSlotsPerNode {
			return &s.nodes[i]
		}
	}
	return nil
}

func (s *Session) writeSlot(ref slotRef, d *Descriptor) error {
	buf, err := EncodeDescriptor(d)
	if err != nil {
		return err
	}
	if err := WritePage(s.dev, ref.slot, buf); err != nil {
		return err
	}
	if n := s.nodeOf(ref.slot); n != nil {
		n.count++
		if err := s.writeNodeHeader(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) clearSlot(ref slotRef) error {
	empty := make([]byte, PageSize)
	if err := WritePage(s.dev, ref.slot, empty); err != nil {
		return err
	}
	if n := s.nodeOf(ref.slot); n != nil {
		n.count--
		if err := s.writeNodeHeader(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readSlotDescriptor(slot PageIndex) (*Descriptor, error) {
	buf := make([]byte, PageSize)
	if err := ReadPage(s.dev, slot, buf); err != nil {
		return nil, newErr("readSlotDescriptor", KindIOError, err)
	}
	return DecodeDescriptor(buf)
}

// ReadDescriptor re-reads inode's descriptor from disk, using the slot page
// the descriptor index recorded when the descriptor was indexed. It fails with KindNotFound if inode is unknown, or
// KindStale if the on-disk slot no longer holds the expected file-ID.
func (s *Session) ReadDescriptor(inode FileID) (*Descriptor, error) {
	slot, ok := s.descriptors.SlotOf(inode)
	if !ok {
		return nil, newErr("ReadDescriptor", KindNotFound, xerrors.Errorf("inode %d", inode))
	}
	d, err := s.readSlotDescriptor(slot)
	if err != nil {
		return nil, err
	}
	if d.FileID != inode {
		return nil, newErr("ReadDescriptor", KindStale, xerrors.Errorf("slot %d holds id %d, expected %d", slot, d.FileID, inode))
	}
	return d, nil
}

// UpdateDescriptor writes d back to its cached slot, first verifying the
// on-disk file-ID still matches d.FileID. It fails with KindStale if not,
// and KindNotFound if d.FileID is not indexed at all.
func (s *Session) UpdateDescriptor(d *Descriptor) error {
	if err := s.checkDegraded("UpdateDescriptor"); err != nil {
		return err
	}
	slot, ok := s.descriptors.SlotOf(d.FileID)
	if !ok {
		return newErr("UpdateDescriptor", KindNotFound, xerrors.Errorf("inode %d", d.FileID))
	}
	cur, err := s.readSlotDescriptor(slot)
	if err != nil {
		return err
	}
	if cur.FileID != d.FileID {
		return newErr("UpdateDescriptor", KindStale, xerrors.Errorf("slot %d holds id %d, expected %d", slot, cur.FileID, d.FileID))
	}
	// The slot is already occupied, so it is rewritten directly rather than
	// through writeSlot, which would count it as a new occupant.
	buf, err := EncodeDescriptor(d)
	if err == nil {
		err = WritePage(s.dev, slot, buf)
	}
	if err != nil {
		return s.markDegraded(err)
	}
	s.descriptors.Insert(d, slot)
	return nil
}

// DeleteFile removes inode: its fragments are released to the free-space
// index, its slot is zeroed and returned to the free-slot pool, and it is
// dropped from the descriptor index. Deleting the root fails with
// KindAccessDenied.
func (s *Session) DeleteFile(inode FileID) error {
	if err := s.checkDegraded("DeleteFile"); err != nil {
		return err
	}
	if inode == RootID {
		return newErr("DeleteFile", KindAccessDenied, xerrors.New("cannot delete root"))
	}
	d, ok := s.descriptors.LookupByID(inode)
	if !ok {
		return newErr("DeleteFile", KindNotFound, xerrors.Errorf("inode %d", inode))
	}
	slot, _ := s.descriptors.SlotOf(inode)
	return s.doDelete(d, slot)
}

// DeleteFileDescriptor deletes the file d describes, first verifying d is
// not stale: the on-disk slot for d.FileID must still hold that file-ID.
func (s *Session) DeleteFileDescriptor(d *Descriptor) error {
	if err := s.checkDegraded("DeleteFileDescriptor"); err != nil {
		return err
	}
	if d.FileID == RootID {
		return newErr("DeleteFileDescriptor", KindAccessDenied, xerrors.New("cannot delete root"))
	}
	slot, ok := s.descriptors.SlotOf(d.FileID)
	if !ok {
		return newErr("DeleteFileDescriptor", KindNotFound, xerrors.Errorf("inode %d", d.FileID))
	}
	cur, err := s.readSlotDescriptor(slot)
	if err != nil {
		return err
	}
	if cur.FileID != d.FileID {
		return newErr("DeleteFileDescriptor", KindStale, xerrors.Errorf("slot %d holds id %d, expected %d", slot, cur.FileID, d.FileID))
	}
	return s.doDelete(d, slot)
}

func (s *Session) doDelete(d *Descriptor, slot PageIndex) error {
	if err := s.clearSlot(slotRef{slot: slot}); err != nil {
		return s.markDegraded(err)
	}
	s.freeSpace.ReleaseAll(d.Fragments)
	s.freeSlots = append(s.freeSlots, slotRef{node: 0, slot: slot})
	s.descriptors.Remove(d.FileID)
	return nil
}

// ReadFile reads up to len(buf) bytes starting at offset from d's
// fragments, spanning fragment boundaries as needed, and returns the number
// of bytes actually read. Unlike the reference implementation this
// repository was modeled on, an I/O error is reported distinctly rather
// than being folded into a 0-byte result.
func (s *Session) ReadFile(d *Descriptor, offset uint64, buf []byte) (int, error) {
	if offset >= d.Size {
		return 0, nil
	}
	length := uint64(len(buf))
	if offset+length > d.Size {
		length = d.Size - offset
	}
	return s.ioFragments(d.Fragments, offset, buf[:length], ReadRange)
}

// UpdateFile overwrites up to len(buf) bytes starting at offset, without
// extending the file. Bytes beyond the current size are not written; the
// returned count reflects only what was written in place.
func (s *Session) UpdateFile(d *Descriptor, offset uint64, buf []byte) (int, error) {
	if err := s.checkDegraded("UpdateFile"); err != nil {
		return 0, err
	}
	if offset >= d.Size {
		return 0, nil
	}
	length := uint64(len(buf))
	if offset+length > d.Size {
		length = d.Size - offset
	}
	n, err := s.ioFragments(d.Fragments, offset, buf[:length], WriteRange)
	if err != nil {
		return n, s.markDegraded(err)
	}
	return n, nil
}

type rangeFunc func(dev Device, page PageIndex, byteOffset int, buf []byte) error

// ioFragments walks fragments to satisfy a byte-range operation starting at
// offset, using op (ReadRange or WriteRange) for each contiguous run within
// a single fragment.
func (s *Session) ioFragments(fragments []Extent, offset uint64, buf []byte, op rangeFunc) (int, error) {
	var skipped uint64
	done := 0
	for _, frag := range fragments {
		fragBytes := frag.Length * PageSize
		if skipped+fragBytes <= offset {
			skipped += fragBytes
			continue
		}
		innerStart := uint64(0)
		if skipped < offset {
			innerStart = offset - skipped
		}
		avail := fragBytes - innerStart
		want := uint64(len(buf) - done)
		n := avail
		if n > want {
			n = want
		}
		page := frag.Start + innerStart/PageSize
		byteOffset := int(innerStart % PageSize)
		if err := op(s.dev, page, byteOffset, buf[done:done+int(n)]); err != nil {
			return done, err
		}
		done += int(n)
		skipped += fragBytes
		if uint64(done) >= uint64(len(buf)) {
			break
		}
	}
	return done, nil
}

// AppendFile extends d by len(buf) bytes, filling any unused tail slack in
// the last fragment first, then growing the last fragment in place if the
// immediately following pages are free, and otherwise allocating new
// fragments from the free-space index. It fails with KindNoSpace if
// allocation fails, or KindFragmentLimit if growth would exceed the
// per-descriptor fragment capacity (any pages allocated for the attempt are
// released back before returning).
func (s *Session) AppendFile(d *Descriptor, buf []byte) error {
	if err := s.checkDegraded("AppendFile"); err != nil {
		return err
	}
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	written := 0
	// curSize tracks the file's logical size through the slack-fill and
	// allocation steps without committing it to d.Size; d.Size is only
	// advanced once every step below has succeeded, so a KindNoSpace or
	// KindFragmentLimit abort leaves d exactly as it was on entry.
	curSize := d.Size

	if len(d.Fragments) > 0 {
		last := d.Fragments[len(d.Fragments)-1]
		var priorBytes uint64
		for _, f := range d.Fragments[:len(d.Fragments)-1] {
			priorBytes += f.Length * PageSize
		}
		usedInLast := curSize - priorBytes
		slack := last.Length*PageSize - usedInLast
		if slack > 0 {
			n := slack
			if uint64(len(buf)) < n {
				n = uint64(len(buf))
			}
			page := last.Start + usedInLast/PageSize
			byteOffset := int(usedInLast % PageSize)
			if err := WriteRange(s.dev, page, byteOffset, buf[:n]); err != nil {
				return s.markDegraded(err)
			}
			written += int(n)
			curSize += n
		}
	}

	remaining := size - uint64(written)
	if remaining > 0 {
		neededPages := pagesFor(remaining)
		grew := false
		if len(d.Fragments) > 0 {
			last := &d.Fragments[len(d.Fragments)-1]
			lastEnd := last.Start + last.Length
			if avail, ok := s.freeSpace.ExtentAt(lastEnd); ok && avail >= neededPages {
				if err := s.freeSpace.TakeFront(lastEnd, neededPages); err != nil {
					return s.markDegraded(err)
				}
				last.Length += neededPages
				grew = true
			}
		}
		if !grew {
			newExtents, err := s.freeSpace.Allocate(neededPages, false)
			if err != nil {
				return newErr("AppendFile", KindNoSpace, err)
			}
			if len(d.Fragments)+len(newExtents) > MaxFragments {
				s.freeSpace.ReleaseAll(newExtents)
				return newErr("AppendFile", KindFragmentLimit, xerrors.Errorf("%d fragments would exceed limit %d", len(d.Fragments)+len(newExtents), MaxFragments))
			}
			d.Fragments = append(d.Fragments, newExtents...)
		}
		n, err := s.ioFragments(d.Fragments, curSize, buf[written:], WriteRange)
		if err != nil {
			return s.markDegraded(err)
		}
		written += n
		curSize += uint64(n)
	}

	d.Size = curSize
	return s.UpdateDescriptor(d)
}

// ResizeFile grows or shrinks d to newSize. Growth behaves exactly like
// AppendFile with a zero-filled buffer of the size difference. Shrinking
// releases whole trailing fragments, then shrinks the new last fragment to
// the minimum page count that still covers newSize, releasing the freed
// tail pages.
func (s *Session) ResizeFile(d *Descriptor, newSize uint64) error {
	if err := s.checkDegraded("ResizeFile"); err != nil {
		return err
	}
	if newSize == d.Size {
		return nil
	}
	if newSize > d.Size {
		return s.AppendFile(d, make([]byte, newSize-d.Size))
	}

	neededPages := pagesFor(newSize)
	var totalPages uint64
	for _, f := range d.Fragments {
		totalPages += f.Length
	}
	pagesToFree := totalPages - neededPages

	var released []Extent
	frags := d.Fragments
	for pagesToFree > 0 && len(frags) > 0 {
		last := frags[len(frags)-1]
		if last.Length <= pagesToFree {
			released = append(released, last)
			pagesToFree -= last.Length
			frags = frags[:len(frags)-1]
			continue
		}
		keep := last.Length - pagesToFree
		released = append(released, Extent{Start: last.Start + keep, Length: pagesToFree})
		frags[len(frags)-1] = Extent{Start: last.Start, Length: keep}
		pagesToFree = 0
	}
	d.Fragments = frags
	d.Size = newSize
	s.freeSpace.ReleaseAll(released)
	return s.UpdateDescriptor(d)
}
