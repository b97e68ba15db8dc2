// Package efsfuse implements the FUSE request dispatcher: it translates
// kernel upcalls, delivered through jacobsa/fuse, into calls against a
// mounted *efs.Session.
package efsfuse

import (
	"context"
	"log"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/ngiddings/efsfuse/internal/efs"
)

// FS implements fuseutil.FileSystem over a mounted efs.Session. Every
// mutating operation falls through to the embedded
// fuseutil.NotImplementedFileSystem, which answers ENOSYS: the published
// kernel surface is read-only.
type FS struct {
	fuseutil.NotImplementedFileSystem

	session *efs.Session

	mu          sync.Mutex
	fileHandles map[fuseops.HandleID]fileHandleState
	dirHandles  map[fuseops.HandleID]uint64 // fuse handle -> session dir handle
	nextHandle  fuseops.HandleID
}

type fileHandleState struct {
	inode   fuseops.InodeID
	writing bool
}

// New wraps session in a FUSE-facing dispatcher.
func New(session *efs.Session) *FS {
	return &FS{
		session:     session,
		fileHandles: make(map[fuseops.HandleID]fileHandleState),
		dirHandles:  make(map[fuseops.HandleID]uint64),
	}
}

// errno translates an efs.Error's kind to the errno the kernel should see.
// jacobsa/fuse treats any error implementing syscall.Errno as that errno;
// anything else becomes EIO.
func errno(op string, err error) error {
	if err == nil {
		return nil
	}
	switch efs.KindOf(err) {
	case efs.KindNotFound:
		return syscall.ENOENT
	case efs.KindIsDir:
		return syscall.EISDIR
	case efs.KindNotDir:
		return syscall.ENOTDIR
	case efs.KindAccessDenied:
		return syscall.EACCES
	case efs.KindReadOnlyViolation:
		return syscall.EROFS
	case efs.KindBadHandle:
		return syscall.EBADF
	case efs.KindNotSupported:
		return syscall.ENOTSUP
	case efs.KindNotImplemented:
		return syscall.ENOSYS
	case efs.KindNoSpace, efs.KindFragmentLimit:
		return syscall.ENOSPC
	case efs.KindStale:
		return syscall.ESTALE
	default:
		log.Printf("efsfuse: %s: %v", op, err)
		return syscall.EIO
	}
}

func attributesOf(d *efs.Descriptor) fuseops.InodeAttributes {
	var mode os.FileMode
	switch {
	case d.IsLink:
		mode = os.ModeSymlink
	case d.IsFile:
		mode = 0
	default:
		mode = os.ModeDir
	}
	if d.Perm&efs.PermOwnerRead != 0 {
		mode |= 0400
	}
	if d.Perm&efs.PermOwnerWrite != 0 {
		mode |= 0200
	}
	if d.Perm&efs.PermOwnerExec != 0 {
		mode |= 0100
	}
	if d.Perm&efs.PermGroupRead != 0 {
		mode |= 0040
	}
	if d.Perm&efs.PermGroupWrite != 0 {
		mode |= 0020
	}
	if d.Perm&efs.PermGroupExec != 0 {
		mode |= 0010
	}
	if d.Perm&efs.PermOthersRead != 0 {
		mode |= 0004
	}
	if d.Perm&efs.PermOthersWrite != 0 {
		mode |= 0002
	}
	if d.Perm&efs.PermOthersExec != 0 {
		mode |= 0001
	}

	// Owner/group are UUIDs in this format, not POSIX numeric ids; there is
	// no host identity to map them to, so Uid/Gid are left at 0 (root).
	// Ctime is always the zero value: the on-disk descriptor carries no
	// change-time field, so there is nothing to report.
	return fuseops.InodeAttributes{
		Size:  d.Size,
		Nlink: 1,
		Mode:  mode,
		Atime: d.Atime,
		Mtime: d.Mtime,
	}
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st := fs.session.Stats()
	op.BlockSize = uint32(st.BlockSize)
	op.Blocks = st.TotalBlocks
	op.BlocksFree = st.FreeBlocks
	op.BlocksAvailable = st.FreeBlocks
	op.Inodes = st.Files
	op.InodesFree = 0
	op.IoSize = 65536
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := efs.FileID(op.Parent)
	var d *efs.Descriptor
	var err error
	switch op.Name {
	case ".":
		d, err = fs.session.Stat(parent)
	case "..":
		cur, e := fs.session.Stat(parent)
		if e != nil {
			err = e
			break
		}
		d, err = fs.session.Stat(cur.ParentID)
	default:
		d, err = fs.session.LookupChild(parent, op.Name)
	}
	if err != nil {
		return errno("LookUpInode", err)
	}
	op.Entry.Child = fuseops.InodeID(d.FileID)
	op.Entry.Attributes = attributesOf(d)
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.session.Stat(efs.FileID(op.Inode))
	if err != nil {
		return errno("GetInodeAttributes", err)
	}
	op.Attributes = attributesOf(d)
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, err := fs.session.OpenDir(efs.FileID(op.Inode), true)
	if err != nil {
		return errno("OpenDir", err)
	}
	fs.nextHandle++
	op.Handle = fs.nextHandle
	fs.dirHandles[op.Handle] = h
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sessionHandle, ok := fs.dirHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}
	snapshot, err := fs.session.DirSnapshot(sessionHandle)
	if err != nil {
		return errno("ReadDir", err)
	}

	cursor := int(op.Offset)
	if cursor > len(snapshot) {
		return syscall.EIO
	}
	for _, d := range snapshot[cursor:] {
		typ := fuseutil.DT_File
		if !d.IsFile {
			typ = fuseutil.DT_Directory
		}
		if d.IsLink {
			typ = fuseutil.DT_Link
		}
		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset(cursor + 1),
			Inode:  fuseops.InodeID(d.FileID),
			Name:   d.Name,
			Type:   typ,
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
		cursor++
	}
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sessionHandle, ok := fs.dirHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}
	delete(fs.dirHandles, op.Handle)
	return errno("ReleaseDirHandle", fs.session.ReleaseDir(sessionHandle))
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	// Every handle is opened as a reader: the open flags are not
	// inspected, so no open is recorded as write-held in the session's
	// open-file set and a second open of the same inode succeeds.
	writing := false
	if err := fs.session.OpenFile(efs.FileID(op.Inode), writing); err != nil {
		return errno("OpenFile", err)
	}
	fs.nextHandle++
	op.Handle = fs.nextHandle
	fs.fileHandles[op.Handle] = fileHandleState{inode: op.Inode, writing: writing}
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.session.Stat(efs.FileID(op.Inode))
	if err != nil {
		return errno("ReadFile", err)
	}
	if !d.IsFile {
		return syscall.EISDIR
	}
	n, err := fs.session.ReadFile(d, uint64(op.Offset), op.Dst)
	op.BytesRead = n
	if err != nil {
		return errno("ReadFile", err)
	}
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	state, ok := fs.fileHandles[op.Handle]
	if !ok {
		return syscall.EBADF
	}
	delete(fs.fileHandles, op.Handle)
	return errno("ReleaseFileHandle", fs.session.ReleaseFile(efs.FileID(state.inode), state.writing))
}

func (fs *FS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	return syscall.ENOTSUP
}

func (fs *FS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	return nil
}

func (fs *FS) Destroy() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.session.Close(); err != nil {
		log.Printf("efsfuse: error closing session: %v", err)
	}
}
