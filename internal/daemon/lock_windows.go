//go:build windows

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// processLock relies on exclusive-create semantics: the file exists while a
// daemon holds it and is removed on release. A crash can leave it behind,
// in which case the operator removes it by hand.
type processLock struct {
	f    *os.File
	path string
}

func acquireLock(lockFile string) (*processLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("dispatch is already running (could not acquire lock)")
		}
		return nil, err
	}
	return &processLock{f: f, path: lockFile}, nil
}

func (l *processLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
}
