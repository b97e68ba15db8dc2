package efs

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// FileID is a descriptor's identity, stable for the descriptor's lifetime.
type FileID = uint64

// RootID is the file-ID of the filesystem root, always present and never
// deleted.
const RootID FileID = 1

// magic is the 16-byte on-disk signature at the start of page zero.
var magic = [16]byte{'E', 'F', 'S', 'F', 'U', 'S', 'E', 0, 0, 0, 0, 0, 0, 0, 0, 1}

const (
	superblockSize = 16 + 8 + 8 + 8

	nodeHeaderSize  = 8 + 1 // next page + count
	descSlotsPerNode = 255
	// NodeSpan is the number of physical pages a single descriptor node
	// occupies: one header page followed by descSlotsPerNode slot pages.
	NodeSpan = 1 + descSlotsPerNode

	freeNodeHeaderSize = 8 + 8 // next page + size in pages

	fragmentRecordSize = 8 + 8 // start page + length in pages

	descFixedSize = 8 + 8 + 2 + 16 + 16 + 8 + 8 + 8 // id, parent, flags, owner, group, atime, mtime, size
	// FilenameFieldSize is the fixed on-disk width reserved for a
	// null-terminated filename.
	FilenameFieldSize = 256
	// MaxFragments bounds how many fragment records fit in the space left
	// over in a descriptor page after the fixed header and filename field.
	MaxFragments = (PageSize - descFixedSize - FilenameFieldSize) / fragmentRecordSize
)

const (
	flagIsFile = 1 << iota
	flagIsLink
	flagOwnerRead
	flagOwnerWrite
	flagOwnerExec
	flagGroupRead
	flagGroupWrite
	flagGroupExec
	flagOthersRead
	flagOthersWrite
	flagOthersExec
)

// Perm is the nine-bit rwxrwxrwx permission mask, stored alongside the
// is-file/is-link bits in a descriptor's flags word.
type Perm uint16

const (
	PermOwnerRead Perm = 1 << iota
	PermOwnerWrite
	PermOwnerExec
	PermGroupRead
	PermGroupWrite
	PermGroupExec
	PermOthersRead
	PermOthersWrite
	PermOthersExec
)

// Superblock is the fixed-layout record at page zero: filesystem size and
// the heads of the descriptor-node and free-space-node lists.
type Superblock struct {
	FilesystemSize  uint64 // total pages in the image
	DescriptorTable PageIndex
	FreeSpaceTable  PageIndex
}

// EncodeSuperblock renders sb into a PageSize buffer.
func EncodeSuperblock(sb Superblock) []byte {
	buf := make([]byte, PageSize)
	copy(buf[0:16], magic[:])
	binary.LittleEndian.PutUint64(buf[16:24], sb.FilesystemSize)
	binary.LittleEndian.PutUint64(buf[24:32], sb.DescriptorTable)
	binary.LittleEndian.PutUint64(buf[32:40], sb.FreeSpaceTable)
	return buf
}

// DecodeSuperblock parses a PageSize buffer, rejecting it if the magic does
// not match.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < superblockSize {
		return Superblock{}, newErr("decodeSuperblock", KindCorrupt, xerrors.New("short buffer"))
	}
	if !bytes.Equal(buf[0:16], magic[:]) {
		return Superblock{}, newErr("decodeSuperblock", KindCorrupt, xerrors.New("bad magic"))
	}
	return Superblock{
		FilesystemSize:  binary.LittleEndian.Uint64(buf[16:24]),
		DescriptorTable: binary.LittleEndian.Uint64(buf[24:32]),
		FreeSpaceTable:  binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// EncodeDescriptorNodeHeader renders a node's header (next pointer and
// occupied-slot count) into a PageSize buffer.
func EncodeDescriptorNodeHeader(next PageIndex, count uint8) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], next)
	buf[8] = count
	return buf
}

// DecodeDescriptorNodeHeader parses a node header page.
func DecodeDescriptorNodeHeader(buf []byte) (next PageIndex, count uint8, err error) {
	if len(buf) < nodeHeaderSize {
		return 0, 0, newErr("decodeDescriptorNodeHeader", KindCorrupt, xerrors.New("short buffer"))
	}
	return binary.LittleEndian.Uint64(buf[0:8]), buf[8], nil
}

// Extent is a contiguous run of pages: [Start, Start+Length).
type Extent struct {
	Start  PageIndex
	Length uint64
}

// Descriptor is the in-memory form of an on-disk inode record.
type Descriptor struct {
	FileID    FileID
	ParentID  FileID
	IsFile    bool
	IsLink    bool
	Perm      Perm
	OwnerUUID uuid.UUID
	GroupUUID uuid.UUID
	Atime     time.Time
	Mtime     time.Time
	Size      uint64
	Name      string
	Fragments []Extent
}

// Clone returns a deep copy, so callers can hold a descriptor across a
// mutation without aliasing the index's copy.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Fragments = append([]Extent(nil), d.Fragments...)
	return &c
}

func flagsOf(d *Descriptor) uint16 {
	var f uint16
	if d.IsFile {
		f |= flagIsFile
	}
	if d.IsLink {
		f |= flagIsLink
	}
	f |= uint16(d.Perm) << 2
	return f
}

func applyFlags(d *Descriptor, f uint16) {
	d.IsFile = f&flagIsFile != 0
	d.IsLink = f&flagIsLink != 0
	d.Perm = Perm(f >> 2)
}

// EncodeDescriptor renders d into a PageSize buffer. It fails if the name or
// fragment count do not fit the fixed layout.
func EncodeDescriptor(d *Descriptor) ([]byte, error) {
	if len(d.Name)+1 > FilenameFieldSize {
		return nil, newErr("encodeDescriptor", KindCorrupt, xerrors.Errorf("filename %q too long", d.Name))
	}
	if len(d.Fragments) > MaxFragments {
		return nil, newErr("encodeDescriptor", KindFragmentLimit, xerrors.Errorf("%d fragments exceeds limit %d", len(d.Fragments), MaxFragments))
	}
	buf := make([]byte, PageSize)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:o+8], d.FileID)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], d.ParentID)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:o+2], flagsOf(d))
	o += 2
	ownerBytes, _ := d.OwnerUUID.MarshalBinary()
	copy(buf[o:o+16], ownerBytes)
	o += 16
	groupBytes, _ := d.GroupUUID.MarshalBinary()
	copy(buf[o:o+16], groupBytes)
	o += 16
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(d.Atime.Unix()))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(d.Mtime.Unix()))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], d.Size)
	o += 8
	copy(buf[o:o+len(d.Name)], d.Name)
	// buf[o+len(d.Name)] is already zero: null terminator.
	o += FilenameFieldSize
	for _, frag := range d.Fragments {
		binary.LittleEndian.PutUint64(buf[o:o+8], frag.Start)
		binary.LittleEndian.PutUint64(buf[o+8:o+16], frag.Length)
		o += fragmentRecordSize
	}
	// Remaining fragment slots and trailing pad stay zero, terminating the
	// fragment array with a Start==0 sentinel (page zero is never a valid
	// fragment start).
	return buf, nil
}

// DecodeDescriptor parses a descriptor page. A FileID of zero in the
// returned descriptor means the slot is unoccupied; callers should check
// that before trusting the rest of the fields.
func DecodeDescriptor(buf []byte) (*Descriptor, error) {
	if len(buf) != PageSize {
		return nil, newErr("decodeDescriptor", KindCorrupt, xerrors.New("short buffer"))
	}
	d := &Descriptor{}
	o := 0
	d.FileID = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	d.ParentID = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	applyFlags(d, binary.LittleEndian.Uint16(buf[o:o+2]))
	o += 2
	if err := d.OwnerUUID.UnmarshalBinary(buf[o : o+16]); err != nil {
		return nil, newErr("decodeDescriptor", KindCorrupt, err)
	}
	o += 16
	if err := d.GroupUUID.UnmarshalBinary(buf[o : o+16]); err != nil {
		return nil, newErr("decodeDescriptor", KindCorrupt, err)
	}
	o += 16
	d.Atime = time.Unix(int64(binary.LittleEndian.Uint64(buf[o:o+8])), 0)
	o += 8
	d.Mtime = time.Unix(int64(binary.LittleEndian.Uint64(buf[o:o+8])), 0)
	o += 8
	d.Size = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	nameField := buf[o : o+FilenameFieldSize]
	nul := bytes.IndexByte(nameField, 0)
	if nul < 0 {
		return nil, newErr("decodeDescriptor", KindCorrupt, xerrors.New("filename not null-terminated"))
	}
	d.Name = string(nameField[:nul])
	o += FilenameFieldSize
	for i := 0; i < MaxFragments; i++ {
		start := binary.LittleEndian.Uint64(buf[o : o+8])
		length := binary.LittleEndian.Uint64(buf[o+8 : o+16])
		o += fragmentRecordSize
		if start == 0 {
			break
		}
		d.Fragments = append(d.Fragments, Extent{Start: start, Length: length})
	}
	return d, nil
}

// EncodeFreeSpaceNode renders a free-space list node into a PageSize buffer.
// The node itself occupies the first page of the region it describes.
func EncodeFreeSpaceNode(next PageIndex, sizePages uint64) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], next)
	binary.LittleEndian.PutUint64(buf[8:16], sizePages)
	return buf
}

// DecodeFreeSpaceNode parses a free-space list node page.
func DecodeFreeSpaceNode(buf []byte) (next PageIndex, sizePages uint64, err error) {
	if len(buf) < freeNodeHeaderSize {
		return 0, 0, newErr("decodeFreeSpaceNode", KindCorrupt, xerrors.New("short buffer"))
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}
