//go:build !unix && !windows

package heal

import (
	"os"
	"sync"
)

// Platforms without advisory file locks serialise repairs within the
// process only.
var processLock sync.Mutex

func lockFile(f *os.File) (func() error, error) {
	processLock.Lock()
	return func() error {
		processLock.Unlock()
		return nil
	}, nil
}
