//go:build !linux

package sysinfo

import "errors"

var errUnsupported = errors.New("sysinfo: unsupported platform")

func diskUsage(string) (int64, int64, error) {
	return 0, 0, errUnsupported
}

func memoryUsage() (int64, int64, error) {
	return 0, 0, errUnsupported
}
