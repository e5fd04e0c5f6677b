package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coda-helper/go-backend/internal/merge"
	"coda-helper/go-backend/internal/storage"
)

const (
	apiKeyHeader     = "X-API-Key"
	defaultRunsLimit = 20
)

var errMergeNotConfigured = errors.New("merge is not configured")

// authorize checks X-API-Key and returns the presented key.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if key == "" {
		writeDetail(w, http.StatusUnauthorized, "API Key header missing")
		return "", false
	}
	if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
		s.logger.Warn("rejected api key", "api_key", key, "path", r.URL.Path)
		writeDetail(w, http.StatusForbidden, "Invalid API Key")
		return "", false
	}
	return key, true
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.acquireMerge(); err != nil {
		writeDetail(w, http.StatusConflict, "Merge already in progress")
		return
	}
	defer s.merging.Store(false)

	if allowed, wait := s.limiter.Reserve(key, s.now()); !allowed {
		secs := int(math.Ceil(wait.Round(time.Millisecond).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeDetail(w, http.StatusTooManyRequests, fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", secs))
		return
	}

	// A client hanging up must not abort a merge halfway through its writes.
	rec, err := s.runMerge(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, map[string]string{"run_id": rec.ID})
		return
	}
	writeJSON(w, http.StatusOK, rec.Result)
}

// acquireMerge takes the single-merge guard; the caller releases it by
// storing false.
func (s *Server) acquireMerge() error {
	if !s.merging.CompareAndSwap(false, true) {
		return ErrMergeInProgress
	}
	return nil
}

// runMerge executes one merge and records it in the run history and metrics.
func (s *Server) runMerge(ctx context.Context) (storage.RunRecord, error) {
	rec := storage.RunRecord{StartedAt: time.Now().UTC(), Trigger: storage.TriggerHTTP}

	var (
		res merge.Result
		err error
	)
	if s.newMerger == nil {
		err = errMergeNotConfigured
	} else {
		var m Merger
		if m, err = s.newMerger(); err == nil {
			res, err = m.Merge(ctx)
		}
	}
	rec.FinishedAt = time.Now().UTC()
	elapsed := rec.FinishedAt.Sub(rec.StartedAt)

	if err != nil {
		rec.Error = err.Error()
		s.metrics.RecordMerge("failure", 0, 0, 0, elapsed)
		s.logger.Error("merge failed", "error", err)
	} else {
		rec.Result = &res
		s.metrics.RecordMerge("success", res.NewRows, res.UpdatedRows, res.DeletedRows, elapsed)
		s.logger.Info("merge finished", "new", res.NewRows, "updated", res.UpdatedRows, "deleted", res.DeletedRows, "seconds", elapsed.Seconds())
	}

	stored, storeErr := s.runs.Append(rec)
	if storeErr != nil {
		s.logger.Error("record merge run", "error", storeErr)
	} else {
		rec = stored
	}
	return rec, err
}

type runsResponse struct {
	Runs []storage.RunRecord `json:"runs"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(v, storage.MaxRuns)
	}
	writeJSON(w, http.StatusOK, runsResponse{Runs: s.runs.List(limit)})
}
