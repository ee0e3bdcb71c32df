package cachemanager

import (
	"golang.org/x/sys/unix"
)

// probeQuota reports usage/capacity for the filesystem backing dir,
// the direct Go equivalent of a storage-estimation API: the persistent
// store's bbolt file lives under dir, so its containing filesystem's
// free/total block counts stand in for "quota".
func probeQuota(dir string) (*Quota, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil, err
	}

	blockSize := uint64(stat.Bsize)
	total := stat.Blocks * blockSize
	free := stat.Bavail * blockSize
	used := total - free

	percentage := 0.0
	if total > 0 {
		percentage = float64(used) / float64(total) * 100
	}

	return &Quota{Usage: used, Capacity: total, Percentage: percentage}, nil
}
