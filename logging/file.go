package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger is an append-only file sink for the structured logger. Each
// Write is one complete log entry; a missing trailing newline is added so
// entries never run together.
type FileLogger struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// NewFileLogger opens path for appending. Missing parent directories are
// created.
func NewFileLogger(path string) (*FileLogger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileLogger{f: f}, nil
}

// Write appends one entry. Entries written after Close are discarded and
// reported as written.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return len(p), nil
	}
	entry := p
	if len(p) == 0 || p[len(p)-1] != '\n' {
		entry = make([]byte, len(p)+1)
		copy(entry, p)
		entry[len(p)] = '\n'
	}
	if _, err := l.f.Write(entry); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the file. It is safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
