package efsfuse

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/ngiddings/efsfuse/internal/efs"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Mount opens the image at imagePath, brings the session up, and mounts it
// read-only at mountpoint. It returns a join function that blocks until the
// filesystem is unmounted (or ctx is canceled, which triggers an unmount).
func Mount(ctx context.Context, mountpoint, imagePath, fsName string) (join func(context.Context) error, err error) {
	session, err := efs.Open(imagePath)
	if err != nil {
		return nil, err
	}

	fs := New(session)
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   fsName,
		ReadOnly: true,
	})
	if err != nil {
		session.Close()
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}

	// SIGHUP re-logs current occupancy, the signal-driven status refresh
	// distri's Mount wires up for its own rescanning; this server has
	// nothing to rescan, since the image does not change out from under a
	// read-only mount, so the handler only reports.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, unix.SIGHUP)
		for range c {
			session.Lock()
			st := session.Stats()
			session.Unlock()
			log.Printf("efsfuse: %s: %d/%d pages free, %d descriptors", mountpoint, st.FreeBlocks, st.TotalBlocks, st.Files)
		}
	}()

	go func() {
		<-ctx.Done()
		fuse.Unmount(mountpoint)
	}()

	return func(context.Context) error {
		return mfs.Join(context.Background())
	}, nil
}
