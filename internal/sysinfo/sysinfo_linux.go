//go:build linux

package sysinfo

import "golang.org/x/sys/unix"

func diskUsage(root string) (int64, int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, 0, err
	}
	blockSize := int64(stat.Bsize)
	size := int64(stat.Blocks) * blockSize
	used := size - int64(stat.Bfree)*blockSize
	return size, used, nil
}

func memoryUsage() (int64, int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}
	unit := int64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := int64(info.Totalram) * unit
	free := (int64(info.Freeram) + int64(info.Bufferram)) * unit
	return total, total - free, nil
}
