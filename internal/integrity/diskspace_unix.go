// ABOUTME: Free disk space lookup on unix systems
// ABOUTME: Uses statfs on the cache directory

//go:build unix

package integrity

import "golang.org/x/sys/unix"

// freeSpace returns the bytes available to unprivileged users under dir.
func freeSpace(dir string) (uint64, bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, false, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), true, nil
}
