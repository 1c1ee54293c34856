// Package coordinator drives the fetch, normalize and persist pipeline across
// configured sources and aggregates the outcome into a RunReport.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elonfeng/foresight/internal/secrets"
	"github.com/elonfeng/foresight/pkg/item"
	"github.com/elonfeng/foresight/pkg/sink"
	"github.com/elonfeng/foresight/pkg/source"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options controls one coordinator.
type Options struct {
	// SkipPersist disables the sink for the whole run.
	SkipPersist bool
	// Workers bounds concurrent sources; 0 runs all sources at once.
	Workers int
	// FetchTimeout and PersistTimeout bound a whole connector call and a
	// whole item write, retries included. Per-attempt limits belong to the
	// connectors' and sink's retry policies. Zero means no bound.
	FetchTimeout   time.Duration
	PersistTimeout time.Duration
	// Redactor masks credentials in report messages.
	Redactor *secrets.Redactor
}

// Coordinator runs ingestion for a set of sources.
type Coordinator struct {
	connectors map[source.Kind]source.Connector
	sink       sink.Sink
	filter     *source.Filter
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a coordinator. The sink may be nil only when SkipPersist is set.
func New(connectors []source.Connector, snk sink.Sink, filter *source.Filter, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	byKind := make(map[source.Kind]source.Connector, len(connectors))
	for _, c := range connectors {
		byKind[c.Kind()] = c
	}
	return &Coordinator{
		connectors: byKind,
		sink:       snk,
		filter:     filter,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// SkipPersist reports whether the coordinator runs in dry-run mode.
func (c *Coordinator) SkipPersist() bool { return c.opts.SkipPersist }

// WithSkipPersist returns a copy of the coordinator with dry-run toggled.
func (c *Coordinator) WithSkipPersist(skip bool) *Coordinator {
	cp := *c
	cp.opts.SkipPersist = skip
	return &cp
}

// Run processes every source and returns the finished report. One source
// failing never stops the others. When ctx is cancelled, sources that have
// not reached Done are reported as incomplete.
func (c *Coordinator) Run(ctx context.Context, sources []source.SourceConfig) *RunReport {
	skip := c.opts.SkipPersist || c.sink == nil
	report := newRunReport(uuid.NewString(), c.now().UTC(), skip, sources)
	logger := c.logger.With(slog.String("run_id", report.RunID))
	logger.Info("ingestion started", slog.Int("sources", len(sources)), slog.Bool("skip_persist", skip))

	var mu sync.Mutex
	var g errgroup.Group
	workers := c.opts.Workers
	if workers <= 0 || workers > len(sources) {
		workers = len(sources)
	}
	if workers > 0 {
		g.SetLimit(workers)
	}

	for i, sc := range sources {
		g.Go(func() error {
			sr := c.runSource(ctx, sc, skip, logger.With(slog.String("source", sc.Name)))
			mu.Lock()
			report.Sources[i] = sr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = c.now().UTC()
	logger.Info("ingestion finished",
		slog.String("summary", report.Summary()),
		slog.Bool("failed", report.Failed()),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

// runSource takes one source through the pipeline. The report is private to
// the worker until returned.
func (c *Coordinator) runSource(ctx context.Context, sc source.SourceConfig, skip bool, logger *slog.Logger) SourceReport {
	started := c.now()
	sr := SourceReport{
		Name:   sc.Name,
		Kind:   sc.Kind,
		Target: sc.Target,
		Phase:  PhaseIdle,
	}
	finish := func(status Status) SourceReport {
		sr.Status = status
		if status != StatusIncomplete {
			sr.Phase = PhaseDone
		}
		sr.Duration = c.now().Sub(started)
		logger.Info("source finished",
			slog.String("status", string(sr.Status)),
			slog.String("phase", string(sr.Phase)),
			slog.Int("fetched", sr.Fetched),
			slog.Int("normalized", sr.Normalized),
			slog.Int("persisted", sr.Persisted),
			slog.Int("errors", sr.ErrorCount()),
		)
		return sr
	}
	cancelled := func() SourceReport {
		sr.record(ErrCancelled, fmt.Sprintf("cancelled while %s", sr.Phase))
		return finish(StatusIncomplete)
	}

	if ctx.Err() != nil {
		return cancelled()
	}

	conn, ok := c.connectors[sc.Kind]
	if !ok {
		sr.record(ErrNoConnector, fmt.Sprintf("no connector for source kind %q", sc.Kind))
		return finish(StatusFailed)
	}

	// Fetching
	sr.Phase = PhaseFetching
	records, err := c.fetch(ctx, conn, sc)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		kind := connectorErrorKind(err)
		sr.record("connector."+string(kind), c.redact(err.Error()))
		logger.Warn("fetch failed", slog.String("kind", string(kind)), slog.Any("error", err))
		return finish(StatusFailed)
	}
	sr.Fetched = len(records)
	logger.Debug("fetched", slog.Int("records", len(records)))

	// Normalizing
	sr.Phase = PhaseNormalizing
	items := make([]item.Item, 0, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return cancelled()
		}
		if !c.filter.Match(rec) {
			sr.Filtered++
			continue
		}
		it, err := item.Normalize(rec)
		if err != nil {
			sr.record(ErrValidation, c.redact(err.Error()))
			logger.Debug("record skipped", slog.Any("error", err))
			continue
		}
		items = append(items, it)
	}
	sr.Normalized = len(items)

	if skip {
		return finish(sr.outcome())
	}

	// Persisting
	sr.Phase = PhasePersisting
	for _, it := range items {
		if ctx.Err() != nil {
			return cancelled()
		}
		outcome, err := c.persist(ctx, it)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			kind := persistenceErrorKind(err)
			sr.record("persistence."+string(kind), c.redact(err.Error()))
			logger.Warn("persist failed", slog.String("key", it.Key()), slog.String("kind", string(kind)), slog.Any("error", err))
			continue
		}
		sr.Persisted++
		if outcome == sink.Unchanged {
			sr.Unchanged++
		}
	}
	return finish(sr.outcome())
}

func (sr *SourceReport) outcome() Status {
	if sr.ErrorCount() > 0 {
		return StatusPartial
	}
	return StatusSucceeded
}

func (c *Coordinator) fetch(ctx context.Context, conn source.Connector, sc source.SourceConfig) ([]source.RawRecord, error) {
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}
	return conn.Fetch(ctx, sc)
}

func (c *Coordinator) persist(ctx context.Context, it item.Item) (sink.Outcome, error) {
	if c.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.PersistTimeout)
		defer cancel()
	}
	return c.sink.Persist(ctx, it)
}

func (c *Coordinator) redact(msg string) string {
	return c.opts.Redactor.Apply(msg)
}

func connectorErrorKind(err error) source.ErrorKind {
	var ce *source.ConnectorError
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return source.Timeout
	}
	return source.NetworkFailure
}

func persistenceErrorKind(err error) sink.ErrorKind {
	var pe *sink.PersistenceError
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return sink.Timeout
	}
	return sink.WriteFailure
}
