package logging

import (
	"fmt"
	"os"
	"sync"
)

// rotatingFile is a zapcore.WriteSyncer that renames the log to path.1,
// path.2, ... once it would exceed limit bytes.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	size    int64
	f       *os.File
}

func openRotatingFile(path string, limit int64, backups int) (*rotatingFile, error) {
	if backups <= 0 {
		backups = 3
	}
	rf := &rotatingFile{path: path, limit: limit, backups: backups}
	if err := rf.reopen(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) reopen() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.f = f
	rf.size = info.Size()
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size > 0 && rf.size+int64(len(p)) > rf.limit {
		if err := rf.shift(); err != nil {
			return 0, err
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// shift closes the current file and moves every backup one slot up, dropping the oldest.
func (rf *rotatingFile) shift() error {
	if err := rf.f.Close(); err != nil {
		return err
	}
	_ = os.Remove(fmt.Sprintf("%s.%d", rf.path, rf.backups))
	for i := rf.backups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", rf.path, i), fmt.Sprintf("%s.%d", rf.path, i+1))
	}
	if err := os.Rename(rf.path, rf.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return rf.reopen()
}

func (rf *rotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.f.Sync()
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.f.Close()
}
