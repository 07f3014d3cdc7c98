package writer

import (
	"fmt"
	"path/filepath"

	pkgerrors "github.com/forest6511/paradl/pkg/errors"
)

// spaceSafetyMargin is added on top of the requested size when preflighting
// free space, to leave slack for filesystem metadata overhead.
const spaceSafetyMargin = 4 * 1024 * 1024 // 4MiB

// CheckSpace verifies the filesystem holding path has enough free space for
// size bytes plus a small safety margin, returning a KindInsufficientSpace
// DownloadError when it does not.
func CheckSpace(path string, size int64) error {
	dir := filepath.Dir(path)

	free, err := freeSpace(dir)
	if err != nil {
		// Preflight is best-effort: if the platform can't report free space,
		// don't block the download over it.
		return nil
	}

	needed := size + spaceSafetyMargin
	if free < uint64(needed) {
		return pkgerrors.New(
			pkgerrors.KindInsufficientSpace,
			fmt.Sprintf("insufficient disk space in %s: need %d bytes, have %d", dir, needed, free),
		)
	}
	return nil
}
