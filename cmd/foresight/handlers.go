package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/elonfeng/foresight/internal/config"
	"github.com/elonfeng/foresight/internal/coordinator"
	"github.com/elonfeng/foresight/internal/logging"
	"github.com/elonfeng/foresight/internal/scheduler"
	"github.com/elonfeng/foresight/internal/secrets"
	"github.com/elonfeng/foresight/internal/store"
	"github.com/elonfeng/foresight/pkg/notify"
	"github.com/elonfeng/foresight/pkg/retry"
	"github.com/elonfeng/foresight/pkg/server"
	"github.com/elonfeng/foresight/pkg/sink"
	"github.com/elonfeng/foresight/pkg/source"
	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"
)

// errRunFailed makes the process exit non-zero after the report is printed.
var errRunFailed = errors.New("ingestion failed: no source succeeded")

// app is the resolved startup state shared by every command.
type app struct {
	cfg    *config.Config
	res    *config.Resolved
	logger *slog.Logger
}

func loadConfig(r secrets.Resolver) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("foresight.yaml"); err == nil {
			path = "foresight.yaml"
		}
	}
	return config.Load(path, r)
}

// loadApp resolves configuration and credentials once, then builds the
// logger with every credential registered for redaction.
func loadApp() (*app, error) {
	resolver, err := secrets.NewEnvResolver(envFile)
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	cfg, err := loadConfig(resolver)
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	res, err := cfg.Resolve(resolver)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Redactor: res.Credentials.Redactor(),
	})
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	slog.SetDefault(logger)

	for _, name := range res.Disabled {
		logger.Warn("source disabled: credentials not configured", slog.String("source", name))
	}
	return &app{cfg: cfg, res: res, logger: logger}, nil
}

// pipeline is everything one ingestion needs.
type pipeline struct {
	coord    *coordinator.Coordinator
	index    store.Store
	objects  *sink.ObjectSink
	notifier *notify.Manager
	closers  []func() error
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		_ = p.closers[i]()
	}
}

func (a *app) buildPipeline(ctx context.Context, skipPersist bool) (*pipeline, error) {
	ingest := a.cfg.Ingest
	fetchPolicy := ingest.FetchPolicy()
	persistPolicy := ingest.PersistPolicy()
	creds := a.res.Credentials

	connectors, err := a.buildConnectors(ctx, fetchPolicy)
	if err != nil {
		return nil, err
	}

	p := &pipeline{notifier: a.buildNotifier()}
	var snk sink.Sink
	if !skipPersist {
		snk, err = a.buildSink(ctx, p, persistPolicy)
		if err != nil {
			p.Close()
			return nil, err
		}
	}

	// The SQLite index writes once per item; object sinks retry inside
	// the bound.
	persistBound := persistPolicy.Budget()
	if p.index != nil {
		persistBound = ingest.ParsePersistTimeout()
	}

	filter := source.NewFilter(a.cfg.Filter.IncludeKeywords, a.cfg.Filter.ExcludeKeywords)
	p.coord = coordinator.New(connectors, snk, filter, coordinator.Options{
		SkipPersist:    skipPersist,
		Workers:        ingest.Workers,
		FetchTimeout:   fetchPolicy.Budget(),
		PersistTimeout: persistBound,
		Redactor:       creds.Redactor(),
	}, a.logger)
	return p, nil
}

// buildConnectors creates one connector per kind that has sources.
func (a *app) buildConnectors(ctx context.Context, policy retry.Policy) ([]source.Connector, error) {
	kinds := make(map[source.Kind]bool)
	for _, sc := range a.res.Sources {
		kinds[sc.Kind] = true
	}
	creds := a.res.Credentials

	var connectors []source.Connector
	if kinds[source.KindReddit] {
		r, err := source.NewReddit(source.RedditOptions{
			ClientID:          creds.RedditClientID,
			ClientSecret:      creds.RedditClientSecret,
			UserAgent:         creds.RedditUserAgent,
			Retry:             policy,
			RequestsPerSecond: a.cfg.Sources.Reddit.RequestsPerSecond,
		})
		if err != nil {
			return nil, &config.ConfigurationError{Err: err}
		}
		connectors = append(connectors, r)
	}
	if kinds[source.KindYouTube] {
		y, err := source.NewYouTube(ctx, source.YouTubeOptions{APIKey: creds.YouTubeAPIKey, Retry: policy})
		if err != nil {
			return nil, &config.ConfigurationError{Err: err}
		}
		connectors = append(connectors, y)
	}
	if kinds[source.KindRSS] {
		connectors = append(connectors, source.NewRSS(nil, policy))
	}
	return connectors, nil
}

func (a *app) buildSink(ctx context.Context, p *pipeline, policy retry.Policy) (sink.Sink, error) {
	pc := a.cfg.Persistence
	creds := a.res.Credentials

	var objects sink.ObjectStore
	switch pc.Backend {
	case config.BackendSQLite:
		st, err := store.New(a.cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		p.index = st
		p.closers = append(p.closers, st.Close)
		return st, nil
	case config.BackendGCS:
		g, err := sink.NewGCS(ctx, sink.GCSOptions{CredentialsFile: creds.GCSCredentialsFile})
		if err != nil {
			return nil, &config.ConfigurationError{Err: err}
		}
		objects = g
	case config.BackendS3:
		s, err := sink.NewS3(ctx, sink.S3Options{
			Region:          pc.S3.Region,
			Endpoint:        pc.S3.Endpoint,
			UsePathStyle:    pc.S3.UsePathStyle,
			AccessKeyID:     creds.AWSAccessKeyID,
			SecretAccessKey: creds.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, &config.ConfigurationError{Err: err}
		}
		objects = s
	case config.BackendRedis:
		r, err := sink.NewRedis(ctx, sink.RedisOptions{
			Addr:     pc.Redis.Addr,
			Password: creds.RedisPassword,
			DB:       pc.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, r.Close)
		objects = r
	default:
		return nil, &config.ConfigurationError{Err: fmt.Errorf("persistence.backend: unsupported value %q", pc.Backend)}
	}

	a.logger.Info("persisting to object store",
		slog.String("backend", objects.Name()),
		slog.String("bucket", pc.Bucket),
		slog.String("prefix", pc.Prefix))
	p.objects = sink.NewObjectSink(objects, pc.Bucket, pc.Prefix, policy, a.logger)
	return p.objects, nil
}

// reader returns where single items are looked up.
func (p *pipeline) reader() server.ItemReader {
	if p.index != nil {
		return p.index
	}
	if p.objects != nil {
		return p.objects
	}
	return nil
}

func (a *app) buildNotifier() *notify.Manager {
	nc := a.cfg.Notify
	creds := a.res.Credentials
	var notifiers []notify.Notifier

	if nc.Slack.Enabled && creds.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(creds.SlackWebhookURL))
	}
	if nc.Discord.Enabled && creds.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notify.NewDiscord(creds.DiscordWebhookURL))
	}
	if nc.Webhook.Enabled && nc.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhook(nc.Webhook.URL, creds.WebhookSecret))
	}
	return notify.NewManager(notifiers, nc.OnlyOnFailure)
}

// acquireLock keeps two ingestions from writing the same index at once.
func (a *app) acquireLock() (*flock.Flock, error) {
	lock := flock.New(a.cfg.Database.Path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another foresight ingestion holds %s", lock.Path())
	}
	return lock, nil
}

func runIngest(ctx context.Context, skipPersist bool, selectors []string, jsonOutput bool) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	sources, err := config.Select(a.res.Sources, selectors)
	if err != nil {
		return err
	}

	if !skipPersist {
		lock, err := a.acquireLock()
		if err != nil {
			return err
		}
		defer lock.Unlock()
	}

	p, err := a.buildPipeline(ctx, skipPersist)
	if err != nil {
		return err
	}
	defer p.Close()

	report := p.coord.Run(ctx, sources)

	if jsonOutput {
		err = report.WriteJSON(os.Stdout)
	} else {
		err = report.WriteTable(os.Stdout)
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if p.notifier.HasNotifiers() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := p.notifier.Broadcast(sendCtx, scheduler.Notification(report)); err != nil {
			a.logger.Warn("notify failed", slog.Any("error", err))
		}
	}

	if report.Failed() {
		return errRunFailed
	}
	return nil
}

func runSettings() error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Setting", "Value"})
	for _, s := range a.res.Credentials.List() {
		value := "(not set)"
		if s.Value != "" {
			value = secrets.Redact(s.Value)
		}
		tw.AppendRow(table.Row{s.Name, value})
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"persistence.backend", a.cfg.Persistence.Backend})
	if a.cfg.Persistence.Backend == config.BackendSQLite {
		tw.AppendRow(table.Row{"database.path", a.cfg.Database.Path})
	} else {
		tw.AppendRow(table.Row{"persistence.bucket", a.cfg.Persistence.Bucket})
		tw.AppendRow(table.Row{"persistence.prefix", a.cfg.Persistence.Prefix})
	}
	tw.AppendRow(table.Row{"schedule.interval", a.cfg.Schedule.ParseInterval().String()})
	tw.AppendSeparator()
	for _, sc := range a.res.Sources {
		tw.AppendRow(table.Row{sc.Name, sc.Target})
	}
	for _, name := range a.res.Disabled {
		tw.AppendRow(table.Row{name, "disabled (credentials not configured)"})
	}

	fmt.Println(tw.Render())
	return nil
}

func runItems(ctx context.Context, kind, sourceName, since string, limit int, jsonOutput bool) error {
	resolver, err := secrets.NewEnvResolver(envFile)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(resolver)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Persistence.Backend != config.BackendSQLite {
		return fmt.Errorf("items reads the local index; persistence.backend is %q", cfg.Persistence.Backend)
	}

	opts := store.ListOpts{SourceName: sourceName, Limit: limit}
	if kind != "" {
		if opts.Source, err = source.ParseKind(kind); err != nil {
			return err
		}
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		opts.Since = time.Now().Add(-d)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	items, err := db.ListItems(ctx, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Println("no items found (try ingesting first: foresight ingest)")
		return nil
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Published", "Source", "Author", "Title"})
	for _, it := range items {
		tw.AppendRow(table.Row{
			it.PublishedAt.Format(time.RFC3339), it.SourceName, it.Author, truncate(it.Title, 70),
		})
	}
	fmt.Println(tw.Render())
	return nil
}

func runItem(ctx context.Context, kind, externalID string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	k, err := source.ParseKind(kind)
	if err != nil {
		return err
	}

	p := &pipeline{}
	defer p.Close()
	if _, err := a.buildSink(ctx, p, a.cfg.Ingest.PersistPolicy()); err != nil {
		return err
	}

	it, err := p.reader().GetItem(ctx, k, externalID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(it)
}

func runServe(ctx context.Context, port int) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if port == 0 {
		port = a.cfg.Server.Port
	}

	p, err := a.buildPipeline(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	sched := scheduler.New(p.coord, a.res.Sources, p.notifier, a.cfg.Schedule.ParseInterval(), a.logger)
	return server.New(p.index, sched, port, a.logger).WithItemReader(p.reader()).ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if port == 0 {
		port = a.cfg.Server.Port
	}

	lock, err := a.acquireLock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	p, err := a.buildPipeline(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	sched := scheduler.New(p.coord, a.res.Sources, p.notifier, a.cfg.Schedule.ParseInterval(), a.logger)
	srv := server.New(p.index, sched, port, a.logger).WithItemReader(p.reader())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	a.logger.Info("shutting down")
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
