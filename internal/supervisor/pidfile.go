package supervisor

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// pidLock wraps an exclusive advisory flock(2) held on the daemon's
// PID file for its entire lifetime. A second daemon instance attempting
// the same lock fails immediately (LOCK_EX|LOCK_NB) and must exit
// non-zero with a descriptive error, per spec.md §6.
type pidLock struct {
	f *os.File
}

func acquirePIDLock(path string) (*pidLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pidfile %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pidfile %s is locked by another instance: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate pidfile %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write pidfile %s: %w", path, err)
	}

	return &pidLock{f: f}, nil
}

func (l *pidLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	path := l.f.Name()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("unlock pidfile: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close pidfile: %w", err)
	}
	_ = os.Remove(path)
	return nil
}
