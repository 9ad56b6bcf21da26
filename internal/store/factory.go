package store

import (
	"fmt"
	"path/filepath"
)

// Open creates a Store based on backend configuration. Backend choice is a
// startup concern, never a runtime one.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(filepath.Join(dataDir, "kv"))
	case "badger":
		return OpenBadgerStore(filepath.Join(dataDir, "badger"))
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
