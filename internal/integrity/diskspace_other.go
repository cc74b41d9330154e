// ABOUTME: Free disk space fallback for platforms without statfs
// ABOUTME: Reports the value as unknown so the check is skipped

//go:build !unix

package integrity

func freeSpace(string) (uint64, bool, error) {
	return 0, false, nil
}
