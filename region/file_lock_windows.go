//go:build windows

package region

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// fileLock is the windows counterpart of file_lock_unix.go, using
// LockFileEx instead of flock.
type fileLock struct {
	file *os.File
}

func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("region: cannot open lock file: %w", err)
	}

	ol := new(windows.Overlapped)
	err = windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1,
		0,
		ol,
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: backend %q is locked by another process", path)
	}

	return &fileLock{file: f}, nil
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	ol := new(windows.Overlapped)
	windows.UnlockFileEx(windows.Handle(fl.file.Fd()), 0, 1, 0, ol)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
