// state.go implements the persistent admission state: a file-backed record
// of in-flight run leases, slot leases, call/result counters, and circuit
// state, accessed under the exclusive lock in lock.go.
//
// The document is re-read, mutated, and written back inside a single
// critical section. No in-memory singleton is shared across launcher
// processes: every Controller instance opens its own *store referencing
// the same path.
package admission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phrazzld/agentrund/internal/model"
)

// store owns the on-disk AdmissionState document and its lock.
type store struct {
	path string
	lock *fileLock
}

func newStore(path string, lockWait, lockStale time.Duration) *store {
	return &store{
		path: path,
		lock: newFileLock(path, lockWait, lockStale),
	}
}

// read loads the document from disk. A missing file yields a fresh,
// zero-valued AdmissionState rather than an error — this is the expected
// state on first run. Caller must hold the lock.
func (s *store) read() (model.AdmissionState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewAdmissionState(), nil
		}
		return model.AdmissionState{}, fmt.Errorf("admission: read state: %w", err)
	}
	if len(data) == 0 {
		return model.NewAdmissionState(), nil
	}
	var st model.AdmissionState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.AdmissionState{}, fmt.Errorf("admission: parse state: %w", err)
	}
	if st.Runs == nil {
		st.Runs = map[string]model.RunLease{}
	}
	if st.Slots == nil {
		st.Slots = map[string]model.SlotLease{}
	}
	if st.Counters == nil {
		st.Counters = map[model.ToolKind]model.CounterPair{}
	}
	return st, nil
}

// write persists the document atomically via a temp-file-then-rename, so a
// crash mid-write never leaves a truncated document for the next reader.
// Caller must hold the lock.
func (s *store) write(st model.AdmissionState) error {
	st.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("admission: marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("admission: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("admission: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("admission: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("admission: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("admission: rename temp state file: %w", err)
	}
	return nil
}

// withLock acquires the exclusive lock, reads the current document, lets
// fn mutate it in place, writes the result back, and releases the lock —
// the single entry point every Controller mutation must go through.
func (s *store) withLock(fn func(st *model.AdmissionState) error) error {
	release, err := s.lock.acquire()
	if err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	defer release()

	st, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		// A guard rejection may still have changed the document (circuit
		// opened, counters reset, expired leases pruned); persist it.
		if _, ok := err.(*RejectError); ok {
			if werr := s.write(st); werr != nil {
				return werr
			}
		}
		return err
	}
	return s.write(st)
}

// withLockRead acquires the lock only to take a consistent snapshot,
// performing no write-back. Used by read-only status queries.
func (s *store) withLockRead(fn func(st model.AdmissionState) error) error {
	release, err := s.lock.acquire()
	if err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	defer release()

	st, err := s.read()
	if err != nil {
		return err
	}
	return fn(st)
}
