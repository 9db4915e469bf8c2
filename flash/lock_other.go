//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package flash

import "os"

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }

func syncFile(f *os.File) error {
	return f.Sync()
}
