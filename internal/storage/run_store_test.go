package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coda-helper/go-backend/internal/merge"
	"coda-helper/go-backend/internal/securestore"
)

func sampleRun(n int) RunRecord {
	start := time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC)
	return RunRecord{
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Trigger:    TriggerHTTP,
		Result:     &merge.Result{Success: true, TotalRowsProcessed: n, DestinationTableID: "grid-1"},
	}
}

func TestRunStoreListsNewestFirst(t *testing.T) {
	s := NewRunStore()
	for i := 1; i <= 3; i++ {
		if _, err := s.Append(sampleRun(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	runs := s.List(2)
	if len(runs) != 2 || runs[0].Result.TotalRowsProcessed != 3 || runs[1].Result.TotalRowsProcessed != 2 {
		t.Fatalf("unexpected order %+v", runs)
	}
	if all := s.List(0); len(all) != 3 {
		t.Fatalf("expected all runs, got %d", len(all))
	}
}

func TestRunStoreAssignsIDsAndGets(t *testing.T) {
	s := NewRunStore()
	rec, err := s.Append(sampleRun(1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.HasPrefix(rec.ID, "run_") {
		t.Fatalf("unexpected id %q", rec.ID)
	}
	got, err := s.Get(rec.ID)
	if err != nil || got.ID != rec.ID || !got.Succeeded() {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if _, err := s.Get("run_missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunStoreCapsHistory(t *testing.T) {
	s := NewRunStore()
	for i := 0; i < MaxRuns+5; i++ {
		if _, err := s.Append(sampleRun(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if s.Len() != MaxRuns {
		t.Fatalf("expected %d runs, got %d", MaxRuns, s.Len())
	}
	oldest := s.List(0)[MaxRuns-1]
	if oldest.Result.TotalRowsProcessed != 5 {
		t.Fatalf("expected oldest kept run to be #5, got #%d", oldest.Result.TotalRowsProcessed)
	}
}

func TestPersistentRunStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge_runs.json")
	s, err := NewPersistentRunStore(path, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	failed := RunRecord{Trigger: TriggerCLI, Error: "coda GET /whoami: 401"}
	if _, err := s.Append(sampleRun(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(failed); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := NewPersistentRunStore(path, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	runs := reopened.List(0)
	if len(runs) != 2 || runs[0].Error == "" || runs[0].Succeeded() || !runs[1].Succeeded() {
		t.Fatalf("unexpected reopened runs %+v", runs)
	}
}

func TestEncryptedRunStoreNeedsPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge_runs.json")
	s, err := NewPersistentRunStore(path, "hunter2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Append(sampleRun(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !securestore.IsEncrypted(raw) || strings.Contains(string(raw), "grid-1") {
		t.Fatal("history should be encrypted at rest")
	}

	if _, err := NewPersistentRunStore(path, ""); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed without passphrase, got %v", err)
	}
	if _, err := NewPersistentRunStore(path, "wrong"); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed with wrong passphrase, got %v", err)
	}
	reopened, err := NewPersistentRunStore(path, "hunter2")
	if err != nil || reopened.Len() != 1 {
		t.Fatalf("reopen: %v", err)
	}
}

func TestRunStoreAcceptsLegacyPlaintextWithPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge_runs.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"runs":[{"id":"run_old","trigger":"http"}]}`), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := NewPersistentRunStore(path, "hunter2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Get("run_old"); err != nil {
		t.Fatalf("legacy run missing: %v", err)
	}
}

func TestRunStoreCorruptFileFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge_runs.json")
	if err := os.WriteFile(path, []byte(`{"runs": [`), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewPersistentRunStore(path, ""); err == nil {
		t.Fatal("expected corrupt history to fail the load")
	}
}
