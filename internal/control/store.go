// Package control persists and loads the resumable segmentation state (the
// "control record") a Chunk Manager needs to survive process restarts.
package control

import "github.com/forest6511/paradl/pkg/types"

// Store is the persistence contract the Chunk Manager depends on. Load never
// returns an error for a missing or corrupt record; it returns (nil, false).
type Store interface {
	Save(record *types.ControlRecord) error
	Load() (*types.ControlRecord, bool)
	Exists() bool
	Delete() error
}

// controlFileSuffix is appended to the target output path to form the
// filesystem sidecar path.
const controlFileSuffix = ".paradl"

// PathFor returns the sidecar path a FileStore for targetPath uses.
func PathFor(targetPath string) string {
	return targetPath + controlFileSuffix
}
