//go:build !linux

package writer

import "os"

// fallocate has no portable equivalent outside Linux; callers fall back to trunc.
func fallocate(f *os.File, size int64) error {
	return errUnsupportedFallocate
}
