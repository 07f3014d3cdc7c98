//go:build !linux && !darwin

package writer

import "errors"

func freeSpace(dir string) (uint64, error) {
	return 0, errors.New("writer: free space detection not implemented on this platform")
}
