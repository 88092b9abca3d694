// lock.go implements the exclusive file lock over the single on-disk
// admission state document: an exclusive-create lock file, staleness
// detection via mtime, and backoff-with-retry rather than a blocking OS
// advisory lock (portable across filesystems that don't reliably support
// flock).
package admission

import (
	"fmt"
	"math/rand"
	"os"
	"time"
)

// fileLock guards one on-disk path with a sibling ".lock" file created via
// O_EXCL. Acquire spins with jittered backoff up to lockWait; a lock file
// older than lockStale is considered orphaned (its owning process died
// mid-critical-section) and is removed before retrying.
type fileLock struct {
	path      string // the ".lock" file path
	lockWait  time.Duration
	lockStale time.Duration
}

func newFileLock(statePath string, lockWait, lockStale time.Duration) *fileLock {
	return &fileLock{
		path:      statePath + ".lock",
		lockWait:  lockWait,
		lockStale: lockStale,
	}
}

// acquire blocks (with backoff) until the lock file is created by this
// caller, or returns an error once lockWait has elapsed.
func (l *fileLock) acquire() (release func(), err error) {
	deadline := time.Now().Add(l.lockWait)
	backoff := 5 * time.Millisecond

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("admission: create lock %s: %w", l.path, err)
		}

		if info, statErr := os.Stat(l.path); statErr == nil {
			if time.Since(info.ModTime()) > l.lockStale {
				_ = os.Remove(l.path) // orphaned: owner died mid-critical-section.
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("admission: lock %s busy after %s", l.path, l.lockWait)
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}
