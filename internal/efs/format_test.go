package efs

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{FilesystemSize: 1024, DescriptorTable: 1, FreeSpaceTable: 257}
	got, err := DecodeSuperblock(EncodeSuperblock(sb))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Errorf("superblock round trip: diff (-want +got):\n%s", diff)
	}
}

func TestDecodeSuperblockBadMagic(t *testing.T) {
	buf := make([]byte, PageSize)
	if _, err := DecodeSuperblock(buf); KindOf(err) != KindCorrupt {
		t.Fatalf("DecodeSuperblock(zeroed) kind = %v, want %v", KindOf(err), KindCorrupt)
	}
}

func TestDescriptorNodeHeaderRoundTrip(t *testing.T) {
	buf := EncodeDescriptorNodeHeader(512, 17)
	next, count, err := DecodeDescriptorNodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if next != 512 || count != 17 {
		t.Fatalf("got (%d, %d), want (512, 17)", next, count)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := &Descriptor{
		FileID:    42,
		ParentID:  1,
		IsFile:    true,
		Perm:      PermOwnerRead | PermOwnerWrite | PermGroupRead | PermOthersRead,
		OwnerUUID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		GroupUUID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Atime:     time.Unix(1000, 0),
		Mtime:     time.Unix(2000, 0),
		Size:      9000,
		Name:      "hello.txt",
		Fragments: []Extent{{Start: 10, Length: 2}, {Start: 50, Length: 1}},
	}
	buf, err := EncodeDescriptor(d)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeDescriptor(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("descriptor round trip: diff (-want +got):\n%s", diff)
	}
}

func TestDescriptorEmptySlot(t *testing.T) {
	buf := make([]byte, PageSize)
	d, err := DecodeDescriptor(buf)
	if err != nil {
		t.Fatal(err)
	}
	if d.FileID != 0 {
		t.Fatalf("FileID = %d, want 0 for an empty slot", d.FileID)
	}
}

func TestEncodeDescriptorNameTooLong(t *testing.T) {
	d := &Descriptor{FileID: 1, Name: string(make([]byte, FilenameFieldSize))}
	if _, err := EncodeDescriptor(d); KindOf(err) == KindUnknown {
		t.Fatal("expected an error for an oversized filename")
	}
}

func TestEncodeDescriptorTooManyFragments(t *testing.T) {
	frags := make([]Extent, MaxFragments+1)
	for i := range frags {
		frags[i] = Extent{Start: uint64(i + 1), Length: 1}
	}
	d := &Descriptor{FileID: 1, Fragments: frags}
	if _, err := EncodeDescriptor(d); KindOf(err) != KindFragmentLimit {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindFragmentLimit)
	}
}

func TestFreeSpaceNodeRoundTrip(t *testing.T) {
	buf := EncodeFreeSpaceNode(900, 128)
	next, size, err := DecodeFreeSpaceNode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if next != 900 || size != 128 {
		t.Fatalf("got (%d, %d), want (900, 128)", next, size)
	}
}
