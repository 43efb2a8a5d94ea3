// Package sysinfo samples the host resources a node reports in its verbose health check.
package sysinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Stats is a best-effort host sample. Fields the platform cannot provide stay nil.
type Stats struct {
	StoragePathSize          *int64
	StoragePathUsed          *int64
	TotalMemory              *int64
	UsedMemory               *int64
	MaxFileDescriptors       *int64
	AllocatedFileDescriptors *int64
}

// Sampler reads host statistics for a storage root.
type Sampler struct {
	storageRoot string
	fileNrPath  string
}

// NewSampler constructs a Sampler for storageRoot.
func NewSampler(storageRoot string) *Sampler {
	return &Sampler{storageRoot: storageRoot, fileNrPath: "/proc/sys/fs/file-nr"}
}

// Sample collects every statistic it can. Individual failures leave the matching fields nil.
func (s *Sampler) Sample() Stats {
	var stats Stats
	if size, used, err := diskUsage(s.storageRoot); err == nil {
		stats.StoragePathSize = &size
		stats.StoragePathUsed = &used
	}
	if total, used, err := memoryUsage(); err == nil {
		stats.TotalMemory = &total
		stats.UsedMemory = &used
	}
	if allocated, limit, err := readFileNr(s.fileNrPath); err == nil {
		stats.AllocatedFileDescriptors = &allocated
		stats.MaxFileDescriptors = &limit
	}
	return stats
}

// readFileNr parses "allocated unused max" from the kernel's file-nr table.
func readFileNr(path string) (int64, int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	return parseFileNr(string(raw))
}

func parseFileNr(raw string) (int64, int64, error) {
	fields := strings.Fields(raw)
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("sysinfo: unexpected file-nr format %q", raw)
	}
	allocated, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sysinfo: allocated descriptors: %w", err)
	}
	limit, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sysinfo: max descriptors: %w", err)
	}
	return allocated, limit, nil
}
