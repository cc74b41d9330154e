// ABOUTME: Package documentation for the cache validity oracle
// ABOUTME: Decides whether the local database is fresh enough to use

// Package oracle decides, before every scan, whether the cached database is
// fresh enough. Checks are ordered cheapest first: local metadata, then the
// remote last-modified time, then the remote record count. Any remote
// failure falls back to the local time-window answer.
package oracle
