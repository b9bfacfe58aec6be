// Package storage persists devices, sessions, and measurement rows into
// a relational store.
//
// Two backends share one schema: an embedded sqlite3 file and a
// networked PostgreSQL database. A single SQL generator emits the
// per-backend keyword variants (autoincrement vs. serial primary keys,
// integer widths, IS vs. LIKE for hash equality, placeholder style); the
// semantics are identical, so switching backends never changes logical
// contents.
//
// The store is synchronous. Serialization of callers is the database
// worker's job; the store itself owns only the backend connection and a
// single reconnect attempt for the networked backend.
package storage
