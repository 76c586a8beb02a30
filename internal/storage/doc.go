// Package storage persists subscribers, feed sources, send times, global
// settings, the cached news list and the delivery log.
//
// Three backends implement Store and are picked by Config.Driver:
//   - sqlite (modernc.org/sqlite, pure Go)
//   - postgres (pgx pool)
//   - file (one JSON document, rewritten atomically, plus a JSONL delivery log)
package storage
