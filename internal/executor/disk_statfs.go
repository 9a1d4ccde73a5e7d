//go:build linux || darwin

package executor

import "golang.org/x/sys/unix"

func freeDiskMB(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Bavail) * uint64(st.Bsize) / (1024 * 1024), true
}
