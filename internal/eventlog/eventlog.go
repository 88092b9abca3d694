// Package eventlog implements the NDJSON admission event log: records of
// {ts, kind, ...per-kind fields...}, size-rotated with a bounded number of
// backups so the log never grows without limit.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind enumerates the admission event kinds the core emits.
type Kind string

const (
	KindRunAllowed     Kind = "run_allowed"
	KindRunDenied      Kind = "run_denied"
	KindRunDeduped     Kind = "run_deduped"
	KindRunEnd         Kind = "run_end"
	KindSlotAllowed    Kind = "slot_allowed"
	KindSlotDenied     Kind = "slot_denied"
	KindSlotRelease    Kind = "slot_release"
	KindToolGateDenied Kind = "tool_gate_denied"
	KindCounterCall    Kind = "counter_call"
	KindCounterResult  Kind = "counter_result"
	KindCounterReset   Kind = "counter_reset"
	KindCircuitOpen    Kind = "circuit_open"
	KindCircuitClosed  Kind = "circuit_closed"
	KindStateError     Kind = "state_error"
)

// Logger appends NDJSON records to a rotated file.
type Logger struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	log        *zap.Logger

	file *os.File
	size int64
}

// Open opens (creating if needed) the event log at path.
func Open(path string, maxBytes int64, maxBackups int, log *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("eventlog: stat %s: %w", path, err)
	}
	return &Logger{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		log:        log,
		file:       f,
		size:       info.Size(),
	}, nil
}

type record struct {
	Ts     time.Time      `json:"ts"`
	Kind   Kind           `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Emit appends one record. Failures are logged but never returned to the
// admission hot path — the event log is observability, not correctness.
func (l *Logger) Emit(kind Kind, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := record{Ts: time.Now(), Kind: kind, Fields: fields}
	data, err := json.Marshal(rec)
	if err != nil {
		if l.log != nil {
			l.log.Warn("eventlog: marshal failed", zap.Error(err))
		}
		return
	}
	data = append(data, '\n')

	if l.size+int64(len(data)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil && l.log != nil {
			l.log.Warn("eventlog: rotate failed", zap.Error(err))
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		if l.log != nil {
			l.log.Warn("eventlog: write failed", zap.Error(err))
		}
		return
	}
	l.size += int64(n)
}

// rotateLocked renames the current file to a numbered backup, keeping at
// most maxBackups prior copies, and opens a fresh file. Caller holds mu.
func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return err
	}

	for i := l.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if l.maxBackups > 0 {
		_ = os.Rename(l.path, fmt.Sprintf("%s.1", l.path))
	} else {
		_ = os.Remove(l.path)
	}
	// Drop any backup beyond the configured count.
	_ = os.Remove(fmt.Sprintf("%s.%d", l.path, l.maxBackups+1))

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.size = 0
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
