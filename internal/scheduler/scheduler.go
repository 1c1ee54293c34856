package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elonfeng/foresight/internal/coordinator"
	"github.com/elonfeng/foresight/pkg/notify"
	"github.com/elonfeng/foresight/pkg/source"
)

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("an ingestion run is already in progress")

// Scheduler runs periodic ingestion and keeps the latest report.
type Scheduler struct {
	coord    *coordinator.Coordinator
	sources  []source.SourceConfig
	notifier *notify.Manager
	interval time.Duration
	logger   *slog.Logger

	runMu  sync.Mutex
	mu     sync.RWMutex
	latest *coordinator.RunReport
}

// New creates a new scheduler.
func New(
	coord *coordinator.Coordinator,
	sources []source.SourceConfig,
	notifier *notify.Manager,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if interval == 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		coord:    coord,
		sources:  sources,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
}

// Sources returns the configured sources.
func (s *Scheduler) Sources() []source.SourceConfig {
	return s.sources
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler: initial ingestion")
	s.tick(ctx)
	s.logger.Info("scheduler: running", slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Trigger(ctx, s.coord.SkipPersist()); errors.Is(err, ErrBusy) {
		s.logger.Warn("scheduler: previous run still in progress, skipping tick")
	}
}

// Trigger runs one ingestion now. Only one run executes at a time.
func (s *Scheduler) Trigger(ctx context.Context, skipPersist bool) (*coordinator.RunReport, error) {
	if !s.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer s.runMu.Unlock()

	report := s.coord.WithSkipPersist(skipPersist).Run(ctx, s.sources)

	s.mu.Lock()
	s.latest = report
	s.mu.Unlock()

	if s.notifier.HasNotifiers() {
		// A cancelled run still deserves a summary.
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := s.notifier.Broadcast(sendCtx, Notification(report)); err != nil {
			s.logger.Warn("scheduler: notify failed", slog.Any("error", err))
		}
	}
	return report, nil
}

// Latest returns the most recent finished report, or nil.
func (s *Scheduler) Latest() *coordinator.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Notification builds a run summary notification from a report.
func Notification(r *coordinator.RunReport) *notify.Notification {
	title := "foresight ingestion run"
	if r.Failed() {
		title = "foresight ingestion run failed"
	}
	n := &notify.Notification{
		RunID:      r.RunID,
		Title:      title,
		Body:       r.Summary(),
		Failed:     r.Failed(),
		FinishedAt: r.FinishedAt,
	}
	if r.SkipPersist {
		n.Body += " (skip-persist)"
	}
	for _, sr := range r.Sources {
		n.Sources = append(n.Sources, notify.SourceSummary{
			Name:       sr.Name,
			Status:     string(sr.Status),
			Fetched:    sr.Fetched,
			Persisted:  sr.Persisted,
			Errors:     sr.ErrorCount(),
			FirstError: sr.FirstError,
		})
	}
	if len(n.Sources) == 0 {
		n.Body = fmt.Sprintf("run %s had no sources", r.RunID)
	}
	return n
}
