package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// DiskUsage describes the volume holding a store and the store's share of it.
type DiskUsage struct {
	Path        string
	TotalBytes  uint64
	FreeBytes   uint64
	StoreBytes  int64
	UsedPercent float64
}

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// DiskUsage reports usage for every configured path. In-memory stores
// report nothing.
func (k *KeyValStore) DiskUsage() ([]DiskUsage, error) {
	if k.config.InMemory {
		return nil, nil
	}
	var out []DiskUsage
	for _, path := range k.config.Paths {
		stat, err := disk.Usage(path)
		if err != nil {
			return nil, fmt.Errorf("disk usage for %s: %w", path, err)
		}
		size, err := calculateDirectorySize(path)
		if err != nil {
			return nil, fmt.Errorf("directory size of %s: %w", path, err)
		}
		out = append(out, DiskUsage{
			Path:        path,
			TotalBytes:  stat.Total,
			FreeBytes:   stat.Free,
			StoreBytes:  size,
			UsedPercent: stat.UsedPercent,
		})
	}
	return out, nil
}

func (k *KeyValStore) logDiskUsage() {
	usage, err := k.DiskUsage()
	if err != nil {
		k.log.Warn("disk usage unavailable", "error", err)
		return
	}
	for _, u := range usage {
		k.log.Info("disk usage",
			"path", u.Path,
			"totalGB", fmt.Sprintf("%.2f", float64(u.TotalBytes)/1e9),
			"freeGB", fmt.Sprintf("%.2f", float64(u.FreeBytes)/1e9),
			"storeGB", fmt.Sprintf("%.2f", float64(u.StoreBytes)/1e9))
	}
}
