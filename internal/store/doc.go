// Package store persists conversation threads.
//
// # Architecture
//
// Store is the single persistence contract. Three implementations exist:
//
//   - SQLiteStore: durable default; modernc.org/sqlite ("sqlite") or
//     mattn/go-sqlite3 ("sqlite3") selected with WithDriver
//   - FileStore: one JSON document per thread, replaced via temp file + rename
//   - MemoryStore: maps behind a RWMutex, for tests and throwaway runs
//
// Open picks one from the configured backend name.
//
// # Data Models
//
//   - Thread: id, owning agent type, optional title, tags, timestamps, messages
//   - Message: role, content, author name, timestamp
//   - ThreadSummary: listing view with message count and a 100-rune preview
//   - Record: the JSON layout shared by the file store and exports
//
// # Invariants
//
// Messages are append-only. AppendMessages is atomic per call: SQLite uses one
// immediate transaction, the file store rewrites the whole record under a
// per-thread lock. Timestamps are clamped so they never decrease within a
// thread, and updated_at never moves backwards.
//
// Listings are ordered by updated_at descending, ties broken by id.
//
// # Errors
//
//   - ErrNotFound: thread does not exist (also returned by DeleteThread)
//   - ErrDuplicateThread: CreateThread with an existing id
//   - ErrInvalidRecord: unknown agent type or role, or an empty id
//
// # Timestamps
//
// SQLite columns hold UTC text in a fixed-width nanosecond layout so that
// ORDER BY and range comparisons on text match time order.
package store
