// ABOUTME: Package download fetches large feed files with parallel range requests
// ABOUTME: All-or-nothing chunk merges, isolated per-file failures, idle-read watchdog

// Package download transfers database and feed files into a cache
// directory.
//
// A file whose server advertises byte ranges and whose length is at least
// twice the chunk size is split into N = min(MaxParallel, ceil(len/ChunkSize))
// ranged GETs written to <target>.part<k>. Every chunk must succeed before
// the parts are concatenated, in order, into a staging file that is renamed
// over the target. Anything else is fetched as a single stream into the same
// staging file. The target is never left partially written.
package download
