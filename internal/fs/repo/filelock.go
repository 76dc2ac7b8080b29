package repo

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// flock(2) locks are owned by the open file description, so two goroutines of the same
// process opening the lock file separately would not exclude each other on every
// platform. A process-wide mutex per lock file covers that case. Entries are dropped
// once nobody holds or waits for them.
var processLocks = struct {
	sync.Mutex
	m map[string]*processLock
}{m: make(map[string]*processLock)}

type processLock struct {
	sync.Mutex
	// users counts the holder and all waiters. It is guarded by processLocks.
	users int
}

func acquireProcessLock(path string) *processLock {
	processLocks.Lock()
	lock, ok := processLocks.m[path]
	if !ok {
		lock = &processLock{}
		processLocks.m[path] = lock
	}
	lock.users++
	processLocks.Unlock()

	lock.Lock()
	return lock
}

func releaseProcessLock(path string, lock *processLock) {
	lock.Unlock()

	processLocks.Lock()
	defer processLocks.Unlock()

	lock.users--
	if lock.users == 0 {
		delete(processLocks.m, path)
	}
}

// FileLock is an exclusive lock held on a lock file, excluding both other goroutines and
// other processes.
type FileLock struct {
	path string
	file *os.File
	mu   *processLock
	once sync.Once
}

// AcquireFileLock blocks until it holds the exclusive lock on path, creating the file if
// needed. There is no timeout; the context is only consulted before waiting.
func AcquireFileLock(ctx context.Context, path string) (*FileLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu := acquireProcessLock(path)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		releaseProcessLock(path, mu)
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = file.Close()
		releaseProcessLock(path, mu)
		return nil, fmt.Errorf("locking %q: %w", path, err)
	}

	return &FileLock{path: path, file: file, mu: mu}, nil
}

// Release gives up the lock. Releasing more than once is a no-op.
func (l *FileLock) Release() error {
	var err error
	l.once.Do(func() {
		defer releaseProcessLock(l.path, l.mu)

		if unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); unlockErr != nil {
			err = fmt.Errorf("unlocking %q: %w", l.path, unlockErr)
		}
		if closeErr := l.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing lock file: %w", closeErr)
		}
	})
	return err
}
