package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"coda-helper/go-backend/internal/merge"
	"coda-helper/go-backend/internal/platform/idgen"
	"coda-helper/go-backend/internal/securestore"
)

// MaxRuns bounds the retained run history.
const MaxRuns = 200

const (
	TriggerHTTP = "http"
	TriggerCLI  = "cli"
)

// RunRecord is one merge attempt. Result is nil when the merge failed.
type RunRecord struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Trigger    string        `json:"trigger"`
	Result     *merge.Result `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (r RunRecord) Succeeded() bool {
	return r.Error == "" && r.Result != nil && r.Result.Success
}

var ErrRunNotFound = errors.New("merge run not found")

type runSnapshot struct {
	Version int         `json:"version"`
	Runs    []RunRecord `json:"runs"`
}

// RunStore keeps the latest merge runs, oldest first, and mirrors them to a
// JSON snapshot when a path is set.
type RunStore struct {
	mu     sync.RWMutex
	runs   []RunRecord
	path   string
	secret string
}

func NewRunStore() *RunStore {
	return &RunStore{}
}

func NewPersistentRunStore(path, passphrase string) (*RunStore, error) {
	s := &RunStore{path: path, secret: passphrase}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append assigns an id when missing, stores rec and persists the snapshot.
// The in-memory history is only updated once the snapshot is written.
func (s *RunStore) Append(rec RunRecord) (RunRecord, error) {
	if rec.ID == "" {
		id, err := idgen.GeneratePrefixedID("run")
		if err != nil {
			return RunRecord{}, err
		}
		rec.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]RunRecord, 0, min(len(s.runs)+1, MaxRuns))
	if drop := len(s.runs) + 1 - MaxRuns; drop > 0 {
		next = append(next, s.runs[drop:]...)
	} else {
		next = append(next, s.runs...)
	}
	next = append(next, rec)
	if err := s.persistLocked(next); err != nil {
		return RunRecord{}, err
	}
	s.runs = next
	return rec, nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *RunStore) List(limit int) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, 0, n)
	for i := len(s.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.runs[i])
	}
	return out
}

func (s *RunStore) Get(id string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ID == id {
			return s.runs[i], nil
		}
	}
	return RunRecord{}, ErrRunNotFound
}

func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func (s *RunStore) load() error {
	if s.path == "" {
		return nil
	}
	raw, err := securestore.ReadFile(s.path, s.secret)
	if err != nil {
		return fmt.Errorf("read run history: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var snap runSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode run history %s: %w", s.path, err)
	}
	if len(snap.Runs) > MaxRuns {
		snap.Runs = snap.Runs[len(snap.Runs)-MaxRuns:]
	}
	s.runs = snap.Runs
	return nil
}

func (s *RunStore) persistLocked(runs []RunRecord) error {
	if s.path == "" {
		return nil
	}
	if err := securestore.WriteJSON(s.path, s.secret, runSnapshot{Version: 1, Runs: runs}); err != nil {
		return fmt.Errorf("write run history: %w", err)
	}
	return nil
}
