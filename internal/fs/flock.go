package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrFlockWouldBlock is returned when a flock cannot be acquired before the
// timeout expires. Callers should use errors.Is.
var ErrFlockWouldBlock = errors.New("flock would block")

// Flock is a held advisory flock(2) lock. Call [Flock.Close] to release it.
//
// flock is advisory and applies to an inode, not a pathname. It guards the
// short read-modify-write window on the store's lock record; the logical
// single-writer lock is the JSON lock record itself.
type Flock struct {
	mu   sync.Mutex
	file File
}

// AcquireFlock acquires an exclusive flock on path, polling with backoff
// until the timeout expires. The lock file and its parents are created
// lazily.
//
// Returns an error satisfying errors.Is with [ErrFlockWouldBlock] when the
// timeout expires first.
func AcquireFlock(fsys FS, path string, timeout time.Duration) (*Flock, error) {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		file, openErr := openFlockFile(fsys, path)
		if openErr != nil {
			return nil, fmt.Errorf("open lock file: %w", openErr)
		}

		flockErr := flockRetryEINTR(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &Flock{file: file}, nil
		}

		_ = file.Close()

		if !errors.Is(flockErr, unix.EWOULDBLOCK) && !errors.Is(flockErr, unix.EAGAIN) {
			return nil, fmt.Errorf("flock: %w", flockErr)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrFlockWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		// Cap the poll interval at 25ms so release latency stays low.
		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

// Close releases the flock and closes the descriptor. Idempotent.
func (f *Flock) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(f.file.Fd()), unix.LOCK_UN)
	closeErr := f.file.Close()
	f.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("close lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

func openFlockFile(fsys FS, path string) (File, error) {
	file, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return file, err
	}

	mkdirErr := fsys.MkdirAll(filepath.Dir(path), dirPerm)
	if mkdirErr != nil {
		return nil, mkdirErr
	}

	return fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

// flockRetryEINTR wraps flock, retrying on EINTR. Signals such as SIGCHLD
// or timers can interrupt the syscall; retrying is the correct response.
// Retries are capped to avoid spinning under a pathological signal storm.
func flockRetryEINTR(fd int, how int) error {
	const maxRetries = 10000

	var err error
	for range maxRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
