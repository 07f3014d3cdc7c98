//go:build linux

package writer

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocate requests size bytes of real allocated space for f via the Linux
// fallocate(2) syscall. Falling back to trunc is the caller's responsibility
// when this returns an error (ENOTSUP filesystems, e.g. some network mounts).
func fallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
