package keyValStore

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrInsufficientSpace is returned when the data path has
// less free space than StoreConfig.MinimumFreeSpace.
var ErrInsufficientSpace = errors.New("keyValStore: not enough free disk space")

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if len(sc.Paths) == 0 {
		return errors.New("keyValStore: no path configured")
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("keyValStore: data path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("keyValStore: data path %s is not a directory", path)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return fmt.Errorf("keyValStore: statfs %s: %w", path, err)
	}
	freeGB := (stat.Bavail * uint64(stat.Bsize)) / (1 << 30)
	if int(freeGB) < sc.MinimumFreeSpace {
		return fmt.Errorf("%w: %d GB free at %s, need %d GB",
			ErrInsufficientSpace, freeGB, path, sc.MinimumFreeSpace)
	}
	return nil
}
