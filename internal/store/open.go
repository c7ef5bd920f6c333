// ABOUTME: Backend selection for the conversation store
// ABOUTME: Maps the configured driver name onto a SQLite, file or memory Store

package store

import (
	"fmt"
	"log/slog"
)

// Backend names accepted by Open in addition to the SQLite driver names.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Open creates the Store named by backend. For SQLite backends path is the
// database file; for the file backend it is the records directory.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", DriverModernc:
		return NewSQLiteStore(path, WithDriver(DriverModernc), WithLogger(logger))
	case DriverCgo:
		return NewSQLiteStore(path, WithDriver(DriverCgo), WithLogger(logger))
	case BackendFile:
		return NewFileStore(path, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
