package store

import (
	"strings"
	"time"
)

// Conventional key prefixes. Builders below keep key naming in one place so
// callers never parse colons out of timestamps.
const (
	KeyCurrentSession = "session:current"
	KeyTokens         = "tokens:all"
	KeyOfflineQueue   = "offlineQueue"
	KeyGameState      = "gameState"
	KeyAdminConfig    = "config:admin"

	prefixSession = "session:"
	prefixArchive = "archive:session:"
	prefixBackup  = "backup:session:"
)

// SessionKey returns the storage key for a live session.
func SessionKey(id string) string { return prefixSession + id }

// ArchiveKey returns the storage key for an ended session's final copy.
func ArchiveKey(id string) string { return prefixArchive + id }

// BackupKey returns the storage key for a periodic session snapshot.
// Colons in the timestamp are replaced so the key stays filesystem-safe.
func BackupKey(id string, at time.Time) string {
	ts := strings.ReplaceAll(at.UTC().Format(time.RFC3339), ":", "-")
	return prefixBackup + id + ":" + ts
}

// SessionPrefix returns the prefix matching all live session keys.
func SessionPrefix() string { return prefixSession }
