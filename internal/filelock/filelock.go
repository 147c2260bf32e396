// Package filelock provides cross-process advisory locking scoped to a
// path, built on flock(2). The resolver uses one lock per package stamp
// file to guarantee at-most-one concurrent download per target directory.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("filelock")

// A Lock is a held advisory lock on a single path. It must be released with
// Unlock once the critical section is done; any filesystem writes performed
// inside the critical section are guaranteed visible to the next locker.
type Lock struct {
	path string
	file *os.File
}

// registry tracks locks already held by this process, so a second Lock()
// call against the same path from the same process doesn't deadlock on its
// own file descriptor.
type registry struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

var reg = registry{locks: map[string]*Lock{}}

// TryLock attempts to acquire an exclusive lock on path without blocking.
// Returns ok=false (no error) if some other holder already has it.
func TryLock(path string) (*Lock, bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, held := reg.locks[path]; held {
		return nil, false, nil
	}
	f, err := openLockFile(path)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", path, err)
	}
	l := &Lock{path: path, file: f}
	reg.locks[path] = l
	log.Debug("acquired lock %s (try)", path)
	return l, true, nil
}

// Lock acquires an exclusive lock on path, blocking until it's available.
func Lock(path string) (*Lock, error) {
	reg.mu.Lock()
	if existing, held := reg.locks[path]; held {
		reg.mu.Unlock()
		return existing, nil
	}
	reg.mu.Unlock()

	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	log.Debug("waiting for lock %s...", path)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	reg.mu.Lock()
	l := &Lock{path: path, file: f}
	reg.locks[path] = l
	reg.mu.Unlock()
	log.Debug("acquired lock %s", path)
	return l, nil
}

// Unlock releases the lock and closes its file descriptor.
func (l *Lock) Unlock() error {
	reg.mu.Lock()
	delete(reg.locks, l.path)
	reg.mu.Unlock()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return l.file.Close()
}

func openLockFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
}
