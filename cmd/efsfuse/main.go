// Command efsfuse mounts an EFS image read-only via FUSE.
//
// Usage:
//
//	efsfuse [options] MOUNTPOINT IMAGE
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/mattn/go-isatty"
	"github.com/ngiddings/efsfuse/internal/efs"
	"github.com/ngiddings/efsfuse/internal/efsfuse"
	"golang.org/x/sys/unix"
)

const help = `efsfuse [options] MOUNTPOINT IMAGE

Mount the EFS image file IMAGE read-only at MOUNTPOINT.
`

func transportVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == "github.com/jacobsa/fuse" {
			return dep.Version
		}
	}
	return "unknown"
}

func main() {
	fset := flag.NewFlagSet("efsfuse", flag.ExitOnError)
	var (
		fsName   = fset.String("fsname", "efs", "filesystem name reported to the host")
		snapshot = fset.String("snapshot", "", "if set, copy the mounted image out to this path once mounted, then keep serving")
		version  = fset.Bool("version", false, "print the version of the FUSE transport library in use and exit")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fset.PrintDefaults()
	}
	fset.Parse(os.Args[1:])

	if *version {
		fmt.Printf("efsfuse: using jacobsa/fuse %s\n", transportVersion())
		return
	}

	if fset.NArg() != 2 || fset.Arg(0) == "" || fset.Arg(1) == "" || fset.Arg(0)[0] == '-' || fset.Arg(1)[0] == '-' {
		fset.Usage()
		os.Exit(1)
	}
	mountpoint := fset.Arg(0)
	imagePath := fset.Arg(1)

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	if !quiet {
		log.Printf("efsfuse: mounting %s at %s", imagePath, mountpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	join, err := efsfuse.Mount(ctx, mountpoint, imagePath, *fsName)
	if err != nil {
		log.Fatalf("efsfuse: %v", err)
	}

	if *snapshot != "" {
		if err := snapshotAndContinue(imagePath, *snapshot); err != nil {
			log.Printf("efsfuse: snapshot %s: %v", *snapshot, err)
		} else if !quiet {
			log.Printf("efsfuse: wrote snapshot to %s", *snapshot)
		}
	}

	if err := join(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("efsfuse: %v", err)
	}
	if !quiet {
		log.Printf("efsfuse: unmounted %s", mountpoint)
	}
}

// snapshotAndContinue opens its own independent session over imagePath so
// the snapshot copy never contends with the mounted session's mutex.
func snapshotAndContinue(imagePath, dest string) error {
	s, err := efs.Open(imagePath)
	if err != nil {
		return err
	}
	defer s.Close()
	s.Lock()
	defer s.Unlock()
	return s.Snapshot(dest)
}
