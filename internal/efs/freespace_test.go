package efs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFreeSpaceLoadRejectsOverlap(t *testing.T) {
	f := NewFreeSpaceIndex()
	err := f.Load([]Extent{{Start: 10, Length: 10}, {Start: 15, Length: 5}})
	if KindOf(err) != KindCorrupt {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindCorrupt)
	}
}

func TestFreeSpaceLoadRejectsOutOfOrder(t *testing.T) {
	f := NewFreeSpaceIndex()
	err := f.Load([]Extent{{Start: 20, Length: 5}, {Start: 10, Length: 5}})
	if KindOf(err) != KindCorrupt {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindCorrupt)
	}
}

func TestAllocateContiguousFirstFit(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 3}, {Start: 50, Length: 10}}); err != nil {
		t.Fatal(err)
	}
	got, err := f.Allocate(5, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []Extent{{Start: 50, Length: 5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Extent{{Start: 10, Length: 3}, {Start: 55, Length: 5}}, f.Extents()); diff != "" {
		t.Errorf("remaining free list: diff (-want +got):\n%s", diff)
	}
}

func TestAllocateContiguousFailsWithoutSingleExtent(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 3}, {Start: 50, Length: 3}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Allocate(5, true); KindOf(err) != KindNoSpace {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindNoSpace)
	}
}

func TestAllocateGreedyPack(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 2}, {Start: 50, Length: 10}, {Start: 100, Length: 4}}); err != nil {
		t.Fatal(err)
	}
	got, err := f.Allocate(11, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []Extent{{Start: 50, Length: 10}, {Start: 100, Length: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestAllocateGreedyTieBreaksLowerStart(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 5}, {Start: 50, Length: 5}}); err != nil {
		t.Fatal(err)
	}
	got, err := f.Allocate(5, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []Extent{{Start: 10, Length: 5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestAllocateInsufficientSpace(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 2}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Allocate(5, false); KindOf(err) != KindNoSpace {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindNoSpace)
	}
}

func TestReleaseCoalescesBothSides(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 5}, {Start: 20, Length: 5}}); err != nil {
		t.Fatal(err)
	}
	f.Release(Extent{Start: 15, Length: 5})
	want := []Extent{{Start: 10, Length: 15}}
	if diff := cmp.Diff(want, f.Extents()); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestReleaseNoNeighbors(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 5}}); err != nil {
		t.Fatal(err)
	}
	f.Release(Extent{Start: 100, Length: 2})
	want := []Extent{{Start: 10, Length: 5}, {Start: 100, Length: 2}}
	if diff := cmp.Diff(want, f.Extents()); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestTakeFrontShrinksOrRemoves(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 5}}); err != nil {
		t.Fatal(err)
	}
	if err := f.TakeFront(10, 2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Extent{{Start: 12, Length: 3}}, f.Extents()); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
	if err := f.TakeFront(12, 3); err != nil {
		t.Fatal(err)
	}
	if len(f.Extents()) != 0 {
		t.Fatalf("extents = %v, want empty", f.Extents())
	}
}

func TestTakeFrontNoSuchExtent(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.TakeFront(10, 1); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSpaceConservationAcrossAllocateRelease(t *testing.T) {
	f := NewFreeSpaceIndex()
	if err := f.Load([]Extent{{Start: 10, Length: 100}}); err != nil {
		t.Fatal(err)
	}
	total := f.TotalFree()
	extents, err := f.Allocate(37, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.TotalFree(); got != total-37 {
		t.Fatalf("TotalFree after allocate = %d, want %d", got, total-37)
	}
	f.ReleaseAll(extents)
	if got := f.TotalFree(); got != total {
		t.Fatalf("TotalFree after release = %d, want %d", got, total)
	}
	if diff := cmp.Diff([]Extent{{Start: 10, Length: 100}}, f.Extents()); diff != "" {
		t.Errorf("did not fully coalesce back: diff (-want +got):\n%s", diff)
	}
}
