package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Logger appends events as JSON lines. A nil *Logger discards events.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer io.Writer
	path   string
}

// LoggerConfig holds configuration for the audit logger
type LoggerConfig struct {
	FilePath  string
	CreateDir bool
}

// NewLogger opens (or creates) the audit file for appending.
func NewLogger(config LoggerConfig) (*Logger, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("audit log file path cannot be empty")
	}
	if config.CreateDir {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &Logger{file: file, writer: file, path: config.FilePath}, nil
}

// NewWriterLogger writes events to w. Used by tests and the CLI.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{writer: w}
}

// NewNullLogger creates a logger that discards all events.
func NewNullLogger() *Logger {
	return &Logger{writer: io.Discard}
}

// Log writes one event followed by a newline and syncs file backed sinks.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return fmt.Errorf("audit logger is closed")
	}
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file. Further Log calls fail.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = nil
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the file path of the audit log, or "" for writer sinks.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}
