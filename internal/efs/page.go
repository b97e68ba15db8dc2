package efs

import (
	"io"

	"golang.org/x/xerrors"
)

// PageSize is the fixed page granularity of the on-disk format. Every
// extent, every descriptor slot, every free-space region is measured in
// units of this size.
const PageSize = 4096

// PageIndex addresses a page by its absolute offset from the start of the
// image, counting from zero. Page zero always holds the superblock.
type PageIndex = uint64

// Device is the minimal random-access surface the core needs from an image.
// A plain *os.File satisfies it; so does anything backed by an in-memory
// buffer for tests.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// ReadPage fills buf (which must be exactly PageSize bytes) with the
// contents of the page at index.
func ReadPage(dev Device, index PageIndex, buf []byte) error {
	if len(buf) != PageSize {
		return newErr("readPage", KindIOError, xerrors.Errorf("buffer size %d != %d", len(buf), PageSize))
	}
	if _, err := dev.ReadAt(buf, int64(index)*PageSize); err != nil {
		return newErr("readPage", KindIOError, xerrors.Errorf("page %d: %w", index, err))
	}
	return nil
}

// WritePage writes buf (exactly PageSize bytes) to the page at index.
func WritePage(dev Device, index PageIndex, buf []byte) error {
	if len(buf) != PageSize {
		return newErr("writePage", KindIOError, xerrors.Errorf("buffer size %d != %d", len(buf), PageSize))
	}
	if _, err := dev.WriteAt(buf, int64(index)*PageSize); err != nil {
		return newErr("writePage", KindIOError, xerrors.Errorf("page %d: %w", index, err))
	}
	return nil
}

// ReadRange reads len(buf) bytes starting byteOffset bytes into the page at
// index. byteOffset+len(buf) may exceed PageSize; the read is satisfied
// directly against the device's absolute offset, so it can span pages.
func ReadRange(dev Device, index PageIndex, byteOffset int, buf []byte) error {
	off := int64(index)*PageSize + int64(byteOffset)
	if _, err := dev.ReadAt(buf, off); err != nil {
		return newErr("readRange", KindIOError, xerrors.Errorf("page %d+%d: %w", index, byteOffset, err))
	}
	return nil
}

// WriteRange writes buf starting byteOffset bytes into the page at index,
// and may span pages the same way ReadRange does.
func WriteRange(dev Device, index PageIndex, byteOffset int, buf []byte) error {
	off := int64(index)*PageSize + int64(byteOffset)
	if _, err := dev.WriteAt(buf, off); err != nil {
		return newErr("writeRange", KindIOError, xerrors.Errorf("page %d+%d: %w", index, byteOffset, err))
	}
	return nil
}

// pagesFor returns the number of whole pages needed to hold n bytes.
func pagesFor(n uint64) uint64 {
	return (n + PageSize - 1) / PageSize
}
