package efs_test

import (
	"bytes"
	"testing"

	"github.com/ngiddings/efsfuse/internal/efs"
	"github.com/ngiddings/efsfuse/internal/efs/efstest"
)

func TestCreateReadWriteDeleteRoundTrip(t *testing.T) {
	img, err := efstest.Build(nil, 64)
	if err != nil {
		t.Fatal(err)
	}
	s := mustMount(t, img)

	d, err := s.CreateFile(efs.RootID)
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("0123456789"), 1000) // ~9.8KB, spans several pages
	if err := s.AppendFile(d, payload); err != nil {
		t.Fatal(err)
	}
	if d.Size != uint64(len(payload)) {
		t.Fatalf("Size = %d, want %d", d.Size, len(payload))
	}

	got := make([]byte, len(payload))
	n, err := s.ReadFile(d, 0, got)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) || !bytes.Equal(got, payload) {
		t.Fatalf("read back %d bytes, content matches: %v", n, bytes.Equal(got, payload))
	}

	// overwrite a region spanning a page boundary
	patch := bytes.Repeat([]byte("X"), 100)
	if _, err := s.UpdateFile(d, 4090, patch); err != nil {
		t.Fatal(err)
	}
	got2 := make([]byte, len(payload))
	if _, err := s.ReadFile(d, 0, got2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2[4090:4190], patch) {
		t.Fatal("patched region did not read back correctly")
	}

	before := s.Stats().FreeBlocks
	if err := s.DeleteFileDescriptor(d); err != nil {
		t.Fatal(err)
	}
	after := s.Stats().FreeBlocks
	if after <= before {
		t.Fatalf("FreeBlocks after delete = %d, want > %d", after, before)
	}
	if _, err := s.Stat(d.FileID); efs.KindOf(err) != efs.KindNotFound {
		t.Fatalf("Stat after delete kind = %v, want %v", efs.KindOf(err), efs.KindNotFound)
	}
}

func TestResizeGrowAndShrink(t *testing.T) {
	img, err := efstest.Build(nil, 64)
	if err != nil {
		t.Fatal(err)
	}
	s := mustMount(t, img)

	d, err := s.CreateFile(efs.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFile(d, bytes.Repeat([]byte("a"), 5000)); err != nil {
		t.Fatal(err)
	}

	if err := s.ResizeFile(d, 20000); err != nil {
		t.Fatal(err)
	}
	if d.Size != 20000 {
		t.Fatalf("Size after grow = %d, want 20000", d.Size)
	}
	buf := make([]byte, 20000)
	if _, err := s.ReadFile(d, 0, buf); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf[5000:] {
		if b != 0 {
			t.Fatalf("grown region not zero at offset %d", 5000+i)
		}
	}

	if err := s.ResizeFile(d, 100); err != nil {
		t.Fatal(err)
	}
	if d.Size != 100 {
		t.Fatalf("Size after shrink = %d, want 100", d.Size)
	}
	var totalPages uint64
	for _, f := range d.Fragments {
		totalPages += f.Length
	}
	if totalPages != 1 {
		t.Fatalf("fragment pages after shrink = %d, want 1", totalPages)
	}
}

func TestUpdateFileDoesNotExtend(t *testing.T) {
	img, err := efstest.Build(nil, 8)
	if err != nil {
		t.Fatal(err)
	}
	s := mustMount(t, img)
	d, err := s.CreateFile(efs.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFile(d, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	n, err := s.UpdateFile(d, 3, []byte("WORLD"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("UpdateFile wrote %d bytes up to the EOF boundary, want 2", n)
	}
	if d.Size != 5 {
		t.Fatalf("Size changed by UpdateFile: %d, want 5", d.Size)
	}
}

func TestReadPastEOFReturnsZero(t *testing.T) {
	img, err := efstest.Build(nil, 8)
	if err != nil {
		t.Fatal(err)
	}
	s := mustMount(t, img)
	d, err := s.CreateFile(efs.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFile(d, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	n, err := s.ReadFile(d, 2, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
}

func TestDeleteFileDescriptorStaleRejected(t *testing.T) {
	img, err := efstest.Build(nil, 8)
	if err != nil {
		t.Fatal(err)
	}
	s := mustMount(t, img)
	d, err := s.CreateFile(efs.RootID)
	if err != nil {
		t.Fatal(err)
	}
	stale := d.Clone()
	if err := s.DeleteFile(d.FileID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFileDescriptor(stale); efs.KindOf(err) != efs.KindNotFound {
		t.Fatalf("kind = %v, want %v", efs.KindOf(err), efs.KindNotFound)
	}
}

func TestMountRemountPreservesState(t *testing.T) {
	img, err := efstest.Build(nil, 64)
	if err != nil {
		t.Fatal(err)
	}
	dev := efstest.NewMemDevice(img.Bytes)
	s1, err := efs.OpenDevice(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, err := s1.CreateFile(efs.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.AppendFile(d, []byte("persisted")); err != nil {
		t.Fatal(err)
	}

	s2, err := efs.OpenDevice(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Stat(d.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != d.Name || got.Size != d.Size {
		t.Fatalf("remount descriptor mismatch: got %+v, want %+v", got, d)
	}
	buf := make([]byte, got.Size)
	if _, err := s2.ReadFile(got, 0, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "persisted" {
		t.Fatalf("remount content = %q, want %q", buf, "persisted")
	}
}
