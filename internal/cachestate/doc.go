// ABOUTME: Package cachestate persists the per-directory cache state files
// ABOUTME: Metadata, initialization marker and checksum record as key/value files

// Package cachestate owns the small key/value files that live next to the
// database in a cache directory:
//
//   - nvd-cache.properties: freshness metadata read by the validity oracle
//   - .nvd-initialized: marker written after the first complete setup
//   - database.sha256: checksum record bound to the database path
//
// Every write is a whole-file rewrite through a temp file and rename, so a
// reader never observes a half-written file. Timestamps are stored as epoch
// milliseconds.
package cachestate
