//go:build windows

package store

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func freeDiskSpace(dir string) (int64, error) {
	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, fmt.Errorf("encode path %s: %w", dir, err)
	}

	var freeToCaller, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(path, &freeToCaller, &total, &free); err != nil {
		return 0, fmt.Errorf("disk free space %s: %w", dir, err)
	}
	return int64(freeToCaller), nil
}
