//go:build !windows

package store

import (
	"fmt"
	"os"
	"syscall"
)

// checkFreeSpace verifies the database directory exists, is writeable and
// sits on a filesystem with at least minimumFreeGB gigabytes available.
func checkFreeSpace(path string, minimumFreeGB uint) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("store: creating data dir %s: %w", path, err)
			}
			info, err = os.Stat(path)
			if err != nil {
				return fmt.Errorf("store: data dir %s: %w", path, err)
			}
		} else {
			return fmt.Errorf("store: data dir %s: %w", path, err)
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("store: data path %s is not a directory", path)
	}

	if minimumFreeGB == 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return fmt.Errorf("store: statfs %s: %w", path, err)
	}
	freeGB := float64(stat.Bfree*uint64(stat.Bsize)) / 1e9
	if freeGB < float64(minimumFreeGB) {
		return fmt.Errorf("store: only %.1fGB free at %s, need %dGB", freeGB, path, minimumFreeGB)
	}
	return nil
}
