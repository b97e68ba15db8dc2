// Package efstest builds minimal, valid EFS images in memory for tests.
package efstest

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ngiddings/efsfuse/internal/efs"
	"github.com/orcaman/writerseeker"
)

// File describes one regular file to seed into a built image.
type File struct {
	Name    string
	Content []byte
}

// Image is a built fixture: its raw page bytes plus the descriptor that was
// assigned to each requested file, keyed by name.
type Image struct {
	Bytes    []byte
	FileID   map[string]efs.FileID
	PageSize int
}

// Build lays out a root directory, one descriptor per entry in files with
// its content packed into freshly allocated fragments, and a single
// trailing free-space node covering the rest of the image. Pages are
// streamed out in order through a writerseeker.WriterSeeker, the way a
// real image-formatting tool would build one sequentially.
func Build(files []File, trailingFreePages uint64) (*Image, error) {
	const nodeStart = uint64(1)
	contentStart := nodeStart + efs.NodeSpan

	type placed struct {
		id   efs.FileID
		name string
		frag efs.Extent
	}

	cursor := contentStart
	var entries []placed
	nextID := efs.RootID + 1
	for _, f := range files {
		pages := (uint64(len(f.Content)) + efs.PageSize - 1) / efs.PageSize
		if pages == 0 {
			pages = 0
		}
		entries = append(entries, placed{id: nextID, name: f.Name, frag: efs.Extent{Start: cursor, Length: pages}})
		cursor += pages
		nextID++
	}
	freeStart := cursor
	if freeStart == contentStart && trailingFreePages == 0 {
		trailingFreePages = 1
	}
	totalPages := freeStart + trailingFreePages

	ws := &writerseeker.WriterSeeker{}
	now := time.Now()

	writePage := func(buf []byte) error {
		if len(buf) != efs.PageSize {
			padded := make([]byte, efs.PageSize)
			copy(padded, buf)
			buf = padded
		}
		_, err := ws.Write(buf)
		return err
	}

	sb := efs.Superblock{
		FilesystemSize:  totalPages,
		DescriptorTable: nodeStart,
		FreeSpaceTable:  freeStart,
	}
	if err := writePage(efs.EncodeSuperblock(sb)); err != nil {
		return nil, err
	}

	root := &efs.Descriptor{
		FileID:    efs.RootID,
		ParentID:  efs.RootID,
		IsFile:    false,
		Perm:      efs.PermOwnerRead | efs.PermOwnerWrite | efs.PermOwnerExec | efs.PermGroupRead | efs.PermGroupExec | efs.PermOthersRead | efs.PermOthersExec,
		OwnerUUID: uuid.Nil,
		GroupUUID: uuid.Nil,
		Atime:     now,
		Mtime:     now,
	}

	slotDescs := make([]*efs.Descriptor, efs.NodeSpan) // index 0 unused (header)
	slotDescs[0] = nil
	slotDescs[1] = root
	for i, e := range entries {
		var frags []efs.Extent
		if e.frag.Length > 0 {
			frags = []efs.Extent{e.frag}
		}
		slotDescs[2+i] = &efs.Descriptor{
			FileID:    e.id,
			ParentID:  efs.RootID,
			IsFile:    true,
			Perm:      efs.PermOwnerRead | efs.PermOwnerWrite | efs.PermGroupRead | efs.PermOthersRead,
			OwnerUUID: uuid.Nil,
			GroupUUID: uuid.Nil,
			Atime:     now,
			Mtime:     now,
			Size:      uint64(len(files[i].Content)),
			Name:      e.name,
			Fragments: frags,
		}
	}

	count := uint8(len(entries) + 1)
	if err := writePage(efs.EncodeDescriptorNodeHeader(0, count)); err != nil {
		return nil, err
	}
	for i := 1; i < efs.NodeSpan; i++ {
		if slotDescs[i] == nil {
			if err := writePage(make([]byte, efs.PageSize)); err != nil {
				return nil, err
			}
			continue
		}
		buf, err := efs.EncodeDescriptor(slotDescs[i])
		if err != nil {
			return nil, err
		}
		if err := writePage(buf); err != nil {
			return nil, err
		}
	}

	for i, e := range entries {
		content := files[i].Content
		for p := uint64(0); p < e.frag.Length; p++ {
			start := p * efs.PageSize
			end := start + efs.PageSize
			if end > uint64(len(content)) {
				end = uint64(len(content))
			}
			if err := writePage(content[start:end]); err != nil {
				return nil, err
			}
		}
	}

	if err := writePage(efs.EncodeFreeSpaceNode(0, trailingFreePages)); err != nil {
		return nil, err
	}
	for p := uint64(1); p < trailingFreePages; p++ {
		if err := writePage(make([]byte, efs.PageSize)); err != nil {
			return nil, err
		}
	}

	ids := make(map[string]efs.FileID, len(entries))
	for _, e := range entries {
		ids[e.name] = e.id
	}

	data, err := io.ReadAll(ws.BytesReader())
	if err != nil {
		return nil, err
	}

	return &Image{Bytes: data, FileID: ids, PageSize: efs.PageSize}, nil
}
