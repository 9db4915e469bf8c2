//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package flash

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func syncFile(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
