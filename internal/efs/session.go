package efs

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// node tracks one descriptor node's bookkeeping: the page it starts at, its
// on-disk next pointer, and how many of its 255 slots are currently
// occupied (kept in sync so the header page can be rewritten on create and
// delete).
type node struct {
	start PageIndex
	next  PageIndex
	count uint8
}

// Session is a mounted filesystem image: the device handle, the cached
// superblock, the descriptor and free-space indices, the open-file set, and
// the bookkeeping needed to extend the descriptor-node list. All mutating
// methods assume the caller holds mu for the duration of the call; a single
// mutex serializes every index mutation and image write, matching the
// session-wide concurrency model this server uses.
type Session struct {
	mu sync.Mutex

	dev    Device
	closer io.Closer

	sb Superblock

	descriptors *DescriptorIndex
	freeSpace   *FreeSpaceIndex

	nodes     []node
	freeSlots []slotRef

	openFiles map[FileID]bool // true => held open for writing

	dirHandles map[uint64]*dirHandle
	nextHandle uint64

	degraded bool
}

type slotRef struct {
	node PageIndex
	slot PageIndex
}

type dirHandle struct {
	inode    FileID
	snapshot []*Descriptor
}

// Open mounts the image at path and brings the session up: verifies the
// superblock, loads the descriptor-node and free-space-node lists
// concurrently, and leaves the session ready to serve requests.
func Open(path string) (*Session, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, newErr("Open", KindIOError, err)
	}
	s, err := OpenDevice(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// OpenDevice brings a session up over an already-open device. closer, if
// non-nil, is closed by Close.
func OpenDevice(dev Device, closer io.Closer) (*Session, error) {
	sbBuf := make([]byte, PageSize)
	if err := ReadPage(dev, 0, sbBuf); err != nil {
		return nil, newErr("OpenDevice", KindIOError, xerrors.Errorf("reading superblock: %w", err))
	}
	sb, err := DecodeSuperblock(sbBuf)
	if err != nil {
		return nil, err
	}

	s := &Session{
		dev:         dev,
		closer:      closer,
		sb:          sb,
		descriptors: NewDescriptorIndex(),
		freeSpace:   NewFreeSpaceIndex(),
		openFiles:   make(map[FileID]bool),
		dirHandles:  make(map[uint64]*dirHandle),
	}

	var g errgroup.Group
	g.Go(func() error { return s.loadDescriptors() })
	g.Go(func() error { return s.loadFreeSpace() })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Printf("efs: mounted image with %d pages, %d descriptors, %d free pages",
		sb.FilesystemSize, s.descriptors.Len(), s.freeSpace.TotalFree())

	return s, nil
}

func (s *Session) loadDescriptors() error {
	next := s.sb.DescriptorTable
	for next != 0 {
		start := next
		header := make([]byte, PageSize)
		if err := ReadPage(s.dev, start, header); err != nil {
			return newErr("loadDescriptors", KindIOError, xerrors.Errorf("node header at %d: %w", start, err))
		}
		nextPage, count, err := DecodeDescriptorNodeHeader(header)
		if err != nil {
			return err
		}
		n := node{start: start, next: nextPage, count: count}
		for i := uint64(1); i <= descSlotsPerNode; i++ {
			slotPage := start + i
			buf := make([]byte, PageSize)
			if err := ReadPage(s.dev, slotPage, buf); err != nil {
				return newErr("loadDescriptors", KindIOError, xerrors.Errorf("slot %d: %w", slotPage, err))
			}
			d, err := DecodeDescriptor(buf)
			if err != nil {
				return err
			}
			if d.FileID == 0 {
				s.freeSlots = append(s.freeSlots, slotRef{node: start, slot: slotPage})
				continue
			}
			s.descriptors.Insert(d, slotPage)
		}
		s.nodes = append(s.nodes, n)
		next = nextPage
	}
	return nil
}

func (s *Session) loadFreeSpace() error {
	var extents []Extent
	next := s.sb.FreeSpaceTable
	for next != 0 {
		start := next
		buf := make([]byte, PageSize)
		if err := ReadPage(s.dev, start, buf); err != nil {
			return newErr("loadFreeSpace", KindIOError, xerrors.Errorf("node at %d: %w", start, err))
		}
		nextPage, size, err := DecodeFreeSpaceNode(buf)
		if err != nil {
			return err
		}
		extents = append(extents, Extent{Start: start, Length: size})
		next = nextPage
	}
	return s.freeSpace.Load(extents)
}

// Close tears the session down: it does not flush anything extra, since
// every mutation is already written through synchronously, and releases the
// underlying device handle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Session) markDegraded(err error) error {
	s.degraded = true
	log.Printf("efs: session marked degraded: %v", err)
	return err
}

func (s *Session) checkDegraded(op string) error {
	if s.degraded {
		return newErr(op, KindIOError, xerrors.New("session is degraded after a prior I/O error; remount required"))
	}
	return nil
}

// Lock and Unlock expose the session's single mutex to callers that need to
// hold it across one or more core calls, such as the SIGHUP status logger in
// efsfuse.Mount and the CLI's snapshot. The request dispatcher does not use
// them; it serializes its own calls under its FS mutex.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Root returns the file-ID of the filesystem root.
func (s *Session) Root() FileID { return RootID }

// Stat returns the descriptor for inode from the in-memory index, which is
// always kept consistent with disk by synchronous write-through on every
// mutation.
func (s *Session) Stat(inode FileID) (*Descriptor, error) {
	d, ok := s.descriptors.LookupByID(inode)
	if !ok {
		return nil, newErr("Stat", KindNotFound, xerrors.Errorf("inode %d", inode))
	}
	return d, nil
}

// LookupChild resolves name within parent.
func (s *Session) LookupChild(parent FileID, name string) (*Descriptor, error) {
	if _, ok := s.descriptors.LookupByID(parent); !ok {
		return nil, newErr("LookupChild", KindNotFound, xerrors.Errorf("parent %d", parent))
	}
	d, ok := s.descriptors.LookupChild(parent, name)
	if !ok {
		return nil, newErr("LookupChild", KindNotFound, xerrors.Errorf("%q in %d", name, parent))
	}
	return d, nil
}

// FSStats summarizes occupancy for a statfs call.
type FSStats struct {
	BlockSize    uint64
	TotalBlocks  uint64
	FreeBlocks   uint64
	Files        uint64
}

// Stats reports current filesystem occupancy.
func (s *Session) Stats() FSStats {
	return FSStats{
		BlockSize:   PageSize,
		TotalBlocks: s.sb.FilesystemSize,
		FreeBlocks:  s.freeSpace.TotalFree(),
		Files:       uint64(s.descriptors.Len()),
	}
}

// Snapshot copies the live image out to dest as a new file, for offline
// inspection or reseeding, without disturbing the mounted session. It reads
// the image through a staging writerseeker.WriterSeeker buffer and commits
// dest with a rename, so a reader never observes a partially written file.
func (s *Session) Snapshot(dest string) (err error) {
	ws := &writerseeker.WriterSeeker{}
	total := int64(s.sb.FilesystemSize) * PageSize
	if _, err := io.Copy(ws, io.NewSectionReader(s.dev, 0, total)); err != nil {
		return newErr("Snapshot", KindIOError, xerrors.Errorf("reading image: %w", err))
	}

	f, err := renameio.TempFile("", dest)
	if err != nil {
		return newErr("Snapshot", KindIOError, err)
	}
	defer f.Cleanup()
	if _, err := io.Copy(f, ws.BytesReader()); err != nil {
		return newErr("Snapshot", KindIOError, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return newErr("Snapshot", KindIOError, err)
	}
	return nil
}

// OpenDir validates inode is a directory and snapshots its children,
// returning an opaque handle. readOnly must be true; it exists as a real
// parameter (rather than being hardcoded) so the READ-ONLY-VIOLATION path
// is directly testable without a kernel mount.
func (s *Session) OpenDir(inode FileID, readOnly bool) (uint64, error) {
	d, ok := s.descriptors.LookupByID(inode)
	if !ok {
		return 0, newErr("OpenDir", KindNotFound, xerrors.Errorf("inode %d", inode))
	}
	if d.IsFile {
		return 0, newErr("OpenDir", KindNotDir, xerrors.Errorf("inode %d", inode))
	}
	if !readOnly {
		return 0, newErr("OpenDir", KindReadOnlyViolation, xerrors.New("mutating opendir not supported"))
	}
	s.nextHandle++
	h := s.nextHandle
	s.dirHandles[h] = &dirHandle{inode: inode, snapshot: s.descriptors.ChildrenOf(inode)}
	return h, nil
}

// DirSnapshot returns the ordered children snapshot captured when handle
// was opened.
func (s *Session) DirSnapshot(handle uint64) ([]*Descriptor, error) {
	h, ok := s.dirHandles[handle]
	if !ok {
		return nil, newErr("DirSnapshot", KindBadHandle, xerrors.Errorf("handle %d", handle))
	}
	return h.snapshot, nil
}

// ReleaseDir invalidates handle. Releasing an already-released or unknown
// handle fails with KindBadHandle.
func (s *Session) ReleaseDir(handle uint64) error {
	if _, ok := s.dirHandles[handle]; !ok {
		return newErr("ReleaseDir", KindBadHandle, xerrors.Errorf("handle %d", handle))
	}
	delete(s.dirHandles, handle)
	return nil
}

// OpenFile records inode in the open-file set, marking it write-held if
// writing is true. It fails if inode does not exist, is not a regular
// file, or is already open for writing.
func (s *Session) OpenFile(inode FileID, writing bool) error {
	d, ok := s.descriptors.LookupByID(inode)
	if !ok {
		return newErr("OpenFile", KindNotFound, xerrors.Errorf("inode %d", inode))
	}
	if !d.IsFile {
		return newErr("OpenFile", KindIsDir, xerrors.Errorf("inode %d", inode))
	}
	if s.openFiles[inode] {
		return newErr("OpenFile", KindAccessDenied, xerrors.Errorf("inode %d already open for writing", inode))
	}
	if writing {
		s.openFiles[inode] = true
	}
	return nil
}

// ReleaseFile clears inode's entry in the open-file set when writing is
// true (the file was held open for write by the handle being released).
// Releasing a write hold that was never acquired fails with KindBadHandle;
// releasing a read-only handle (writing == false) is always a no-op here,
// since the open-file set only ever tracks write access.
func (s *Session) ReleaseFile(inode FileID, writing bool) error {
	if !writing {
		return nil
	}
	if !s.openFiles[inode] {
		return newErr("ReleaseFile", KindBadHandle, xerrors.Errorf("inode %d", inode))
	}
	delete(s.openFiles, inode)
	return nil
}
