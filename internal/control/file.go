package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/paradl/pkg/types"
)

// FileStore is the default Control Store: a JSON sidecar next to the target
// output file, at "{targetPath}.paradl".
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for the given target output path.
func NewFileStore(targetPath string) *FileStore {
	return &FileStore{path: PathFor(targetPath)}
}

// Save writes record as pretty JSON, via a temp file plus rename so a reader
// never observes a partially-written sidecar.
func (s *FileStore) Save(record *types.ControlRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("control: creating sidecar directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("control: encoding record: %w", err)
	}

	tmp := s.path + ".tmp"
	// #nosec G306 -- sidecar contains no secrets, matches the output file's own permissions posture
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("control: writing temp sidecar: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("control: renaming sidecar into place: %w", err)
	}
	return nil
}

// Load reads and parses the sidecar. Any failure (missing file, bad JSON,
// unrecognized version) is reported as "no record", never as an error.
func (s *FileStore) Load() (*types.ControlRecord, bool) {
	data, err := os.ReadFile(s.path) // #nosec G304 -- path is derived from the task's own output path
	if err != nil {
		return nil, false
	}

	var record types.ControlRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false
	}
	if record.Version != types.ControlVersion {
		return nil, false
	}
	return &record, true
}

// Exists reports whether the sidecar file is present.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Delete removes the sidecar. A missing file is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: deleting sidecar: %w", err)
	}
	return nil
}
