package store

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

var ErrInsufficientSpace = errors.New("not enough free disk space")

func checkFreeSpace(path string, minimumMB uint64) error { // A
	if minimumMB == 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	freeMB := usage.Free / (1024 * 1024)
	if freeMB < minimumMB {
		return fmt.Errorf(
			"%w: %dMB free at %s, need %dMB",
			ErrInsufficientSpace, freeMB, path, minimumMB,
		)
	}
	return nil
}
