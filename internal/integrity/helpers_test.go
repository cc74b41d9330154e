// ABOUTME: Shared fixtures for integrity tests
// ABOUTME: Builds small databases with a valid header inside temp directories

package integrity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/observability"
)

const testSignature = "SQLite format 3\x00"

// writeDatabase writes a database of size bytes that starts with the
// test signature.
func writeDatabase(t *testing.T, path string, size int) []byte {
	t.Helper()

	data := bytes.Repeat([]byte{0xAB}, size)
	copy(data, testSignature)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing database: %v", err)
	}
	return data
}

// newTestVerifier returns a verifier over dir/nvd.db with a 64-byte minimum.
func newTestVerifier(t *testing.T, dir string, now func() time.Time) *Verifier {
	t.Helper()

	return NewVerifier(VerifierConfig{
		DatabasePath: filepath.Join(dir, "nvd.db"),
		MinSize:      64,
		Signature:    []byte(testSignature),
		StaleLockAge: 30 * time.Minute,
		Now:          now,
		Logger:       observability.NopLogger(),
	})
}

// touchAt creates path with the given modification time.
func touchAt(t *testing.T, path string, mtime time.Time) {
	t.Helper()

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}
