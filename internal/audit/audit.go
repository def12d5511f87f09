// Package audit provides append-only structured logging for lifecycle actions.
//
// Every start or stop attempt on a service is recorded as one line of
// newline-delimited JSON, including attempts that turned out to be no-ops.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what was attempted.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Service   string    `json:"service"`
	Outcome   string    `json:"outcome"`          // "already_satisfied", "succeeded", "failed"
	Reason    string    `json:"reason,omitempty"` // failure reason
	PID       int       `json:"pid,omitempty"`    // pid observed after the action
	Actor     string    `json:"actor,omitempty"`  // effective user that ran the action
	Error     string    `json:"error,omitempty"`
}

// Recorder accepts audit entries.
type Recorder interface {
	Log(entry Entry) error
}

// Logger writes audit entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Path returns the audit log location.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	return l.file.Close()
}
