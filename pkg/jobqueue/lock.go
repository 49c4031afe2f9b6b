package jobqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	lockFileName = "scheduler.lock"

	// lockGrace is how long a lock without a readable pid counts as held.
	lockGrace = 30 * time.Second
)

// acquireLock takes the store's scheduler lock: a file holding the owner pid,
// hard-linked into place so it never exists without its content. A lock whose
// pid is no longer alive is reclaimed.
func acquireLock(root string) (func(), error) {
	if err := NewStore(root).ensureRoot(); err != nil {
		return nil, err
	}
	path := filepath.Join(root, lockFileName)

	for attempt := 0; attempt < 3; attempt++ {
		err := linkLock(root, path)
		if err == nil {
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create scheduler lock: %w", err)
		}

		st, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat scheduler lock: %w", err)
		}
		holder := readLockPID(path)
		switch {
		case holder > 0 && isProcessAlive(holder):
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrSchedulerLocked, holder, path)
		case holder <= 0 && time.Since(st.ModTime()) < lockGrace:
			return nil, fmt.Errorf("%w: unreadable lock (%s)", ErrSchedulerLocked, path)
		}
		if err := reclaimLock(root, path, st); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSchedulerLocked, path)
}

// linkLock writes our pid to a temp file and links it to path. The link fails
// with an IsExist error when another lock is present.
func linkLock(root, path string) error {
	tmp, err := os.CreateTemp(root, "."+lockFileName+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	_, werr := tmp.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := tmp.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}
	if err := os.Chmod(tmpName, recordMode); err != nil {
		return err
	}
	return os.Link(tmpName, path)
}

// reclaimLock moves a stale lock aside and deletes it, but only if the file
// moved is the one judged stale and names no live process. A lock another
// process took in between is linked back and reported as held.
func reclaimLock(root, path string, stale os.FileInfo) error {
	aside := filepath.Join(root, fmt.Sprintf(".%s.stale.%d.%d", lockFileName, os.Getpid(), time.Now().UnixNano()))
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("move stale scheduler lock: %w", err)
	}
	defer func() { _ = os.Remove(aside) }()

	moved, err := os.Stat(aside)
	if err != nil {
		return fmt.Errorf("stat stale scheduler lock: %w", err)
	}
	if !os.SameFile(stale, moved) || isProcessAlive(readLockPID(aside)) {
		_ = os.Link(aside, path)
		return fmt.Errorf("%w: lock replaced during reclaim (%s)", ErrSchedulerLocked, path)
	}
	return nil
}

func readLockPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
