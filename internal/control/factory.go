package control

import "strings"

// New selects a Store implementation for targetPath based on a
// controlBackend configuration value: "file" (or empty) for the filesystem
// sidecar, "redis://host:port" for the Redis-backed store.
func New(controlBackend, targetPath string) Store {
	if strings.HasPrefix(controlBackend, "redis://") {
		return NewRedisStore(ParseRedisAddr(controlBackend), targetPath)
	}
	return NewFileStore(targetPath)
}
