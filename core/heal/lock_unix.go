//go:build unix

package heal

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory lock on f, blocking until it is
// granted. The returned function releases it.
func lockFile(f *os.File) (func() error, error) {
	fd := int(f.Fd())
	for {
		err := unix.Flock(fd, unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	return func() error {
		return unix.Flock(fd, unix.LOCK_UN)
	}, nil
}
