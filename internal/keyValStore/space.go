package keyValStore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

const gigabyte = 1 << 30

// DiskUsage describes the filesystem a store path lives on.
type DiskUsage struct {
	Path       string
	Filesystem string
	Total      uint64
	Free       uint64
	// StoreBytes is the size of the files under Path.
	StoreBytes int64
}

func usageOf(path string) (DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	u := DiskUsage{Path: path, Filesystem: stat.Fstype, Total: stat.Total, Free: stat.Free}
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		u.StoreBytes += info.Size()
		return nil
	})
	if err != nil {
		return DiskUsage{}, fmt.Errorf("size of %s: %w", path, err)
	}
	return u, nil
}

// validate checks the store directory and that the disk behind it has
// MinimumFreeSpace gigabytes left.
func (sc *StoreConfig) validate() error {
	if sc.InMemory {
		return nil
	}
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}
	path := sc.Paths[0]
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("store path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %s is not a directory", path)
	}
	u, err := usageOf(path)
	if err != nil {
		return err
	}
	if free := u.Free / gigabyte; free < uint64(sc.MinimumFreeSpace) {
		return fmt.Errorf("not enough space available on disk: %d GB free, %d GB required",
			free, sc.MinimumFreeSpace)
	}
	return nil
}

// DiskUsage reports every store path. In-memory stores report nothing.
func (k *KeyValStore) DiskUsage() ([]DiskUsage, error) {
	if k.config.InMemory {
		return nil, nil
	}
	out := make([]DiskUsage, 0, len(k.config.Paths))
	for _, p := range k.config.Paths {
		u, err := usageOf(p)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (k *KeyValStore) logDiskUsage() {
	usages, err := k.DiskUsage()
	if err != nil {
		k.log.WithError(err).Warn("disk usage unavailable")
		return
	}
	for _, u := range usages {
		k.log.WithFields(logrus.Fields{
			"path":       u.Path,
			"filesystem": u.Filesystem,
			"totalGB":    fmt.Sprintf("%.2f", float64(u.Total)/1e9),
			"freeGB":     fmt.Sprintf("%.2f", float64(u.Free)/1e9),
			"storeGB":    fmt.Sprintf("%.2f", float64(u.StoreBytes)/1e9),
		}).Info("disk usage")
	}
}
