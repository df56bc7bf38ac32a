// Package storage persists shop data over database/sql.
//
// Two backends share one set of queries: SQLite (modernc.org/sqlite, pure
// Go, the default) and PostgreSQL (lib/pq). Queries are written with "?"
// placeholders and rebound per dialect. Times are stored in UTC.
package storage
