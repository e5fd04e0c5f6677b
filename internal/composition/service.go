// Package composition wires settings into the coda client, merger, run
// history and HTTP server.
package composition

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"coda-helper/go-backend/internal/api"
	"coda-helper/go-backend/internal/coda"
	"coda-helper/go-backend/internal/config"
	"coda-helper/go-backend/internal/merge"
	"coda-helper/go-backend/internal/platform/metrics"
	"coda-helper/go-backend/internal/platform/privacylog"
	"coda-helper/go-backend/internal/storage"
)

// NewLogger returns the process logger: JSON lines on w behind the
// redacting handler.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

type Service struct {
	Settings config.Settings
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Runs     *storage.RunStore

	// codaOptions are appended to the defaults; tests point the client at
	// a fake API through them.
	codaOptions []coda.Option
}

type Option func(*Service)

func WithCodaOptions(opts ...coda.Option) Option {
	return func(s *Service) { s.codaOptions = append(s.codaOptions, opts...) }
}

func Build(settings config.Settings, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = NewLogger(io.Discard, settings.LogLevel)
	}
	runs := storage.NewRunStore()
	if path := settings.RunHistoryPath(); path != "" {
		var err error
		if runs, err = storage.NewPersistentRunStore(path, settings.RunHistoryPassphrase); err != nil {
			return nil, fmt.Errorf("open run history: %w", err)
		}
		logger.Info("run history loaded", "path", path, "runs", runs.Len(), "encrypted", settings.RunHistoryPassphrase != "")
	}
	s := &Service{
		Settings: settings,
		Logger:   logger,
		Metrics:  metrics.New(),
		Runs:     runs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CodaClient builds a client from the configured token and base URL.
func (s *Service) CodaClient() (*coda.Client, error) {
	opts := append([]coda.Option{
		coda.BaseURL(s.Settings.CodaBaseURL),
		coda.Logger(s.Logger),
		coda.WithObserver(s.Metrics),
	}, s.codaOptions...)
	return coda.NewClient(s.Settings.CodaAPIToken, opts...)
}

func (s *Service) NewMerger() (*merge.Merger, error) {
	client, err := s.CodaClient()
	if err != nil {
		return nil, err
	}
	return merge.New(client, s.Settings.MergeTable, merge.WithLogger(s.Logger)), nil
}

// Server builds the HTTP server; addr overrides the configured listen address.
func (s *Service) Server(addr string) *api.Server {
	if addr == "" {
		addr = s.Settings.ListenAddr
	}
	return api.NewServer(api.Options{
		Addr:            addr,
		Environment:     s.Settings.Environment,
		APIKey:          s.Settings.APIKey,
		RateLimitWindow: s.Settings.RateLimitWindow,
		NewMerger: func() (api.Merger, error) {
			m, err := s.NewMerger()
			if err != nil {
				return nil, err
			}
			return m, nil
		},
		Runs:    s.Runs,
		Metrics: s.Metrics,
		Logger:  s.Logger,
	})
}

// MergeOnce runs a merge outside the HTTP server and records it.
func (s *Service) MergeOnce(ctx context.Context) (storage.RunRecord, error) {
	rec := storage.RunRecord{StartedAt: time.Now().UTC(), Trigger: storage.TriggerCLI}
	var res merge.Result
	m, err := s.NewMerger()
	if err == nil {
		res, err = m.Merge(ctx)
	}
	rec.FinishedAt = time.Now().UTC()
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Result = &res
	}
	stored, storeErr := s.Runs.Append(rec)
	if storeErr != nil {
		s.Logger.Error("record merge run", "error", storeErr)
	} else {
		rec = stored
	}
	return rec, err
}
