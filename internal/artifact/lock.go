package artifact

import (
	"fmt"
	"os"
	"strconv"
)

// Lock marks a recorder's exclusive ownership of a recording directory.
// A second AcquireLock on the same directory fails until the first holder
// releases it.
type Lock struct {
	path string
}

// AcquireLock atomically creates the lock file inside dir. It fails when
// another holder already owns the directory.
func AcquireLock(dir string) (*Lock, error) {
	path := NewLayout(dir, false).LockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("artifact: directory %s already owned by another recorder", dir)
		}
		return nil, fmt.Errorf("artifact: acquire lock in %s: %w", dir, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("artifact: write lock in %s: %w", dir, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once per lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact: release lock %s: %w", l.path, err)
	}
	return nil
}
