//go:build unix

package jobqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockRecords takes an exclusive advisory lock shared by every process that
// mutates this store. It blocks until the lock is free.
func (s *Store) lockRecords() (func(), error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(s.root, recordsLockName), os.O_RDWR|os.O_CREATE, recordMode)
	if err != nil {
		return nil, fmt.Errorf("open records lock: %w", err)
	}
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err != syscall.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock records: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
