// ABOUTME: Package integrity verifies the on-disk database and recovers from corruption
// ABOUTME: Size, header signature, stale lock and checksum checks plus backup-then-clear recovery

// Package integrity decides whether the database file in a cache directory
// can be handed to the analysis engine, and repairs the directory when it
// cannot.
//
// A database is valid only when, in this order:
//
//  1. its size is at least the configured minimum,
//  2. it starts with the expected header signature,
//  3. no stale lock file sits next to it,
//  4. a path-matched checksum record, if one exists, matches its SHA-256.
//
// The first failing check ends validation. Recovery never deletes a database
// outright: a suspect file is moved into corrupted-backups/ before the cache
// state is cleared.
package integrity
