//go:build windows

package heal

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockFile takes an exclusive lock on the first byte range of f, blocking
// until it is granted. The returned function releases it.
func lockFile(f *os.File) (func() error, error) {
	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol); err != nil {
		return nil, err
	}
	return func() error {
		return windows.UnlockFileEx(h, 0, 1, 0, ol)
	}, nil
}
