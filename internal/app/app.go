// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/local-radar/internal/api"
	"github.com/JakeFAU/local-radar/internal/boilerplate"
	"github.com/JakeFAU/local-radar/internal/clock/system"
	"github.com/JakeFAU/local-radar/internal/config"
	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/fetcher"
	"github.com/JakeFAU/local-radar/internal/id/uuid"
	"github.com/JakeFAU/local-radar/internal/normalize"
	"github.com/JakeFAU/local-radar/internal/pipeline"
	"github.com/JakeFAU/local-radar/internal/policy/gate"
	"github.com/JakeFAU/local-radar/internal/policy/ratelimit"
	"github.com/JakeFAU/local-radar/internal/policy/robots"
	"github.com/JakeFAU/local-radar/internal/policy/simple"
	"github.com/JakeFAU/local-radar/internal/publisher/pubsub"
	"github.com/JakeFAU/local-radar/internal/snapshot"
	"github.com/JakeFAU/local-radar/internal/storage/gcs"
	"github.com/JakeFAU/local-radar/internal/storage/local"
	"github.com/JakeFAU/local-radar/internal/storage/memory"
	"github.com/JakeFAU/local-radar/internal/storage/postgres"
)

// App holds the shared, long-lived services: the snapshot store, the
// pipeline, the run registry and the optional sinks. It is built once at
// startup and handed to the CLI commands.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	store    *snapshot.Store
	pipeline *pipeline.Orchestrator
	runs     crawler.RunStore
	pool     *pgxpool.Pool
	closers  []func() error

	baseCtx context.Context
	cancel  context.CancelFunc
	active  atomic.Bool
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	client        *http.Client
	clock         crawler.Clock
	pubsubOptions []option.ClientOption
	gcsOptions    []option.ClientOption
}

// WithHTTPClient overrides the client used for fetching and robots.txt.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithClock overrides the system clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithPubSubOptions passes client options to the Pub/Sub sink.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOptions = append(o.pubsubOptions, opts...) }
}

// WithGCSOptions passes client options to the GCS provenance backend.
func WithGCSOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.gcsOptions = append(o.gcsOptions, opts...) }
}

// New wires every component from cfg. It fails fast when a configured
// backend or sink cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	a := &App{cfg: cfg, logger: logger, clock: clock}
	a.baseCtx, a.cancel = context.WithCancel(context.Background())

	if err := a.build(ctx, o); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("cleanup after failed init", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg
	logger := a.logger

	g, err := a.buildGate(o.client)
	if err != nil {
		return err
	}
	scheduler, err := fetcher.NewScheduler(cfg.Concurrency.Mode, cfg.Concurrency.MaxConcurrency)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	f := fetcher.New(fetcher.Config{
		UserAgent:      cfg.Ethics.UserAgent,
		RequestTimeout: cfg.RequestTimeout(),
		MaxRetries:     cfg.Fetch.MaxRetries,
		MaxBytes:       cfg.MaxBytes(),
		Backoff: fetcher.BackoffConfig{
			Base:   msDuration(cfg.Fetch.BackoffBaseMs),
			Factor: 2,
			Max:    msDuration(cfg.Fetch.BackoffMaxMs),
			Jitter: cfg.Fetch.JitterRatio,
		},
	}, o.client, g, scheduler, a.clock, logger.Named("fetcher"))

	var pdf normalize.PDFExtractor
	if cfg.Normalize.PDFCommand != "" {
		pdf = normalize.NewCommandExtractor(cfg.Normalize.PDFCommand)
	}
	n := normalize.New(normalize.Config{
		MaxFeedEntries: cfg.Normalize.MaxFeedEntries,
		PDF:            pdf,
	}, logger.Named("normalize"))

	var b pipeline.Boilerplate
	if cfg.Boilerplate.Enabled {
		b = boilerplate.New(boilerplate.Config{
			HistoryWindow:      cfg.Boilerplate.HistoryWindow,
			FrequencyThreshold: cfg.Boilerplate.FrequencyThreshold,
			MinBlockChars:      cfg.Boilerplate.MinBlockChars,
			MinHistory:         cfg.Boilerplate.MinHistory,
		}, boilerplate.NewFileHistory(cfg.Storage.BoilerplateDir, logger), a.clock, logger.Named("boilerplate"))
	}

	blobs, err := a.buildProvenance(ctx, o.gcsOptions)
	if err != nil {
		return err
	}
	store, err := snapshot.Open(ctx, snapshot.Config{
		BaseDir:      cfg.Storage.BaseDir,
		ContextLines: cfg.Diff.ContextLines,
	}, blobs, a.clock, logger.Named("snapshot"))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	sinks, err := a.buildSinks(ctx, o.pubsubOptions)
	if err != nil {
		return err
	}

	a.pipeline = pipeline.New(pipeline.Config{
		BoilerplateKinds: cfg.BoilerplateKinds(),
		RunTimeout:       cfg.RunTimeout(),
		SinkTimeout:      cfg.RequestTimeout(),
	}, f, n, b, store, uuid.New(), a.clock, logger.Named("pipeline")).WithSinks(sinks...)
	return nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (a *App) buildGate(client *http.Client) (*gate.Gate, error) {
	cfg := a.cfg
	var policy crawler.RobotsPolicy = simple.New()
	if cfg.Ethics.ObeyRobots {
		failure, err := robots.ParseFailurePolicy(cfg.Ethics.RobotsFailurePolicy)
		if err != nil {
			return nil, fmt.Errorf("build robots policy: %w", err)
		}
		policy = robots.New(robots.Config{
			UserAgent:     cfg.Ethics.UserAgent,
			TTL:           cfg.RobotsTTL(),
			FailurePolicy: failure,
			Client:        client,
		}, a.clock, a.logger.Named("robots"))
	}
	limiter := ratelimit.New(ratelimit.Config{
		RatePerMinute: cfg.Ethics.RateLimitPerDomainPerMinute,
		Capacity:      cfg.Ethics.RateLimitCapacity,
		PerDomainMax:  cfg.Concurrency.PerDomainMax,
		RetryAfterCap: cfg.RetryAfterCap(),
	}, a.clock)
	return gate.New(gate.Config{
		MaxConcurrency: cfg.Concurrency.MaxConcurrency,
		BlockedDomains: cfg.Ethics.BlockedDomains,
	}, limiter, policy, a.logger.Named("gate")), nil
}

func (a *App) buildProvenance(ctx context.Context, gcsOpts []option.ClientOption) (crawler.BlobStore, error) {
	prov := a.cfg.Storage.Provenance
	switch prov.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS provenance backend", zap.String("bucket", prov.GCSBucket))
		store, err := gcs.Open(ctx, gcs.Config{Bucket: prov.GCSBucket, Prefix: prov.Prefix}, gcsOpts...)
		if err != nil {
			return nil, fmt.Errorf("open gcs provenance: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory provenance backend; copies are discarded on exit")
		return memory.NewBlobStore(), nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local provenance: %w", err)
		}
		return store, nil
	}
}

func (a *App) buildSinks(ctx context.Context, pubsubOpts []option.ClientOption) ([]pipeline.Sink, error) {
	sinks := a.cfg.Sinks
	var out []pipeline.Sink

	if sinks.PubSub.Enabled {
		pub, err := pubsub.Open(ctx, sinks.PubSub.ProjectID, pubsubOpts...)
		if err != nil {
			return nil, fmt.Errorf("open pubsub sink: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		if err := pub.CheckTopic(ctx, sinks.PubSub.Topic); err != nil {
			return nil, fmt.Errorf("open pubsub sink: %w", err)
		}
		a.logger.Info("publishing change events", zap.String("topic", sinks.PubSub.Topic))
		out = append(out, pipeline.NewPublisherSink(pub, sinks.PubSub.Topic))
	}

	if !sinks.Postgres.Enabled {
		a.runs = memory.NewRunStore()
		return out, nil
	}
	pool, err := postgres.Connect(ctx, postgres.RecordStoreConfig{DSN: sinks.Postgres.DSN})
	if err != nil {
		return nil, fmt.Errorf("open postgres sink: %w", err)
	}
	a.pool = pool
	records, err := postgres.NewRecordStoreWithPool(pool, sinks.Postgres.Table)
	if err != nil {
		return nil, fmt.Errorf("open postgres sink: %w", err)
	}
	if err := records.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("open postgres sink: %w", err)
	}
	runs, err := postgres.NewRunStoreWithPool(pool, "")
	if err != nil {
		return nil, fmt.Errorf("open postgres run store: %w", err)
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("open postgres run store: %w", err)
	}
	a.runs = runs
	a.logger.Info("mirroring records to postgres", zap.String("table", sinks.Postgres.Table))
	return append(out, pipeline.NewMirrorSink(records)), nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Records exposes the snapshot ledger.
func (a *App) Records() *snapshot.Store {
	return a.store
}

// Run executes one pipeline run over the watchlist and waits for it. It
// shares the single-run guard with StartRun.
func (a *App) Run(ctx context.Context) (crawler.RunReport, error) {
	if !a.active.CompareAndSwap(false, true) {
		return crawler.RunReport{}, crawler.ErrRunInProgress
	}
	defer a.active.Store(false)
	report, err := a.pipeline.Run(ctx, a.cfg.Targets())
	if err != nil {
		return report, fmt.Errorf("pipeline run: %w", err)
	}
	return report, nil
}

// StartRun registers a run and executes it in the background. Only one run
// may be active at a time.
func (a *App) StartRun(ctx context.Context) (string, error) {
	if a.closed.Load() {
		return "", errors.New("app is closed")
	}
	if !a.active.CompareAndSwap(false, true) {
		return "", crawler.ErrRunInProgress
	}
	runID, err := a.pipeline.NewRunID()
	if err != nil {
		a.active.Store(false)
		return "", err
	}
	run := crawler.Run{ID: runID, Status: crawler.RunStatusRunning, Started: a.clock.Now().UTC()}
	if err := a.runs.CreateRun(ctx, run); err != nil {
		a.active.Store(false)
		return "", fmt.Errorf("register run: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.active.Store(false)
		a.execute(runID)
	}()
	return runID, nil
}

func (a *App) execute(runID string) {
	logger := a.logger.With(zap.String("run_id", runID))
	report, err := a.pipeline.RunWithID(a.baseCtx, runID, a.cfg.Targets())
	status := crawler.RunStatusSucceeded
	if err != nil {
		status = crawler.RunStatusFailed
		logger.Error("run failed", zap.Error(err))
	}
	// The base context may already be canceled during shutdown.
	if ferr := a.runs.FinishRun(context.WithoutCancel(a.baseCtx), runID, status, a.clock.Now().UTC(), report); ferr != nil {
		logger.Error("record run result failed", zap.Error(ferr))
	}
}

// GetRun returns the registry entry for runID.
func (a *App) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	run, err := a.runs.GetRun(ctx, runID)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Ready reports whether the ledger and the Postgres pool are usable.
func (a *App) Ready(ctx context.Context) error {
	if a.closed.Load() {
		return errors.New("app is closed")
	}
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	}
	return nil
}

// Handler builds the HTTP API over the ledger and the run registry.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.store, a, api.Config{
		APIKey: a.cfg.Server.APIKey,
		Ready:  a.Ready,
	}, a.logger.Named("api")).Handler()
}

// Close cancels background runs, waits for them and releases every resource.
func (a *App) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()
	a.wg.Wait()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
