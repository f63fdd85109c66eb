// Package pipeline runs the acquisition flow: fetch, normalize, keyword
// filter, boilerplate removal, snapshot and notification of the changed
// records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/boilerplate"
	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/fetcher"
	"github.com/JakeFAU/local-radar/internal/metrics"
	"github.com/JakeFAU/local-radar/internal/normalize"
)

// Fetcher streams fetch results for a batch of targets.
type Fetcher interface {
	Each(ctx context.Context, targets []crawler.FetchTarget, handle fetcher.Handler) error
}

// Normalizer turns a fetched document into text units.
type Normalizer interface {
	Normalize(ctx context.Context, doc crawler.RawDocument) ([]crawler.NormalizedUnit, error)
}

// Boilerplate strips recurring blocks from a unit's text.
type Boilerplate interface {
	Apply(ctx context.Context, source, text string) (boilerplate.Result, error)
}

// Snapshots persists units that changed since the last run.
type Snapshots interface {
	Persist(ctx context.Context, units []crawler.NormalizedUnit) ([]crawler.SnapshotRecord, error)
}

// Config controls a run.
type Config struct {
	// BoilerplateKinds lists the unit kinds passed through the boilerplate filter.
	BoilerplateKinds []crawler.TargetKind
	// RunTimeout bounds a whole run. Zero disables it.
	RunTimeout time.Duration
	// SinkTimeout bounds delivery to each sink. Zero disables it.
	SinkTimeout time.Duration
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	cfg         Config
	fetcher     Fetcher
	normalizer  Normalizer
	boilerplate Boilerplate
	snapshots   Snapshots
	sinks       []Sink
	ids         crawler.IDGenerator
	clock       crawler.Clock
	logger      *zap.Logger
	kinds       map[crawler.TargetKind]struct{}
}

// New builds an Orchestrator. A nil boilerplate disables block removal.
func New(
	cfg Config,
	f Fetcher,
	n Normalizer,
	b Boilerplate,
	s Snapshots,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	kinds := make(map[crawler.TargetKind]struct{}, len(cfg.BoilerplateKinds))
	for _, kind := range cfg.BoilerplateKinds {
		kinds[kind] = struct{}{}
	}
	return &Orchestrator{
		cfg:         cfg,
		fetcher:     f,
		normalizer:  n,
		boilerplate: b,
		snapshots:   s,
		ids:         ids,
		clock:       clock,
		logger:      logger,
		kinds:       kinds,
	}
}

// WithSinks registers the sinks notified after each run.
func (o *Orchestrator) WithSinks(sinks ...Sink) *Orchestrator {
	o.sinks = append(o.sinks, sinks...)
	return o
}

// NewRunID allocates a run ID.
func (o *Orchestrator) NewRunID() (string, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// Run processes targets under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, targets []crawler.FetchTarget) (crawler.RunReport, error) {
	runID, err := o.NewRunID()
	if err != nil {
		return crawler.RunReport{}, err
	}
	return o.RunWithID(ctx, runID, targets)
}

// RunWithID processes targets and returns the run report. Per-target failures
// are listed in the report. A snapshot storage failure, cancellation or the
// run timeout fails the run; the error is returned alongside the partial report.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, targets []crawler.FetchTarget) (crawler.RunReport, error) {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}
	r := &run{
		o:      o,
		logger: o.logger.With(zap.String("run_id", runID)),
		report: crawler.RunReport{
			RunID:     runID,
			StartedAt: o.clock.Now().UTC(),
			Targets:   len(targets),
			Changed:   []crawler.SnapshotRecord{},
			Failures:  []crawler.TargetFailure{},
		},
	}
	r.logger.Info("Run started", zap.Int("targets", len(targets)))

	runErr := o.fetcher.Each(ctx, targets, r.handle)
	if runErr == nil && ctx.Err() != nil {
		// Unfinished targets are already listed as canceled; the run itself did not complete.
		runErr = ctx.Err()
	}
	if runErr == nil && len(r.report.Changed) > 0 {
		o.notify(ctx, r.logger, runID, r.report.Changed)
	}

	r.report.FinishedAt = o.clock.Now().UTC()
	status := string(crawler.RunStatusSucceeded)
	if runErr != nil {
		status = string(crawler.RunStatusFailed)
		r.report.Error = runErr.Error()
		r.logger.Error("Run aborted", zap.Error(runErr))
	}
	metrics.ObserveRun(status, r.report.FinishedAt.Sub(r.report.StartedAt))
	metrics.AddRecordsChanged(len(r.report.Changed))
	r.logger.Info("Run finished",
		zap.String("status", status),
		zap.Int("fetched", r.report.Fetched),
		zap.Int("units", r.report.Units),
		zap.Int("excluded", r.report.Excluded),
		zap.Int("boilerplate_removed", r.report.BoilerplateRemoved),
		zap.Int("changed", len(r.report.Changed)),
		zap.Int("failures", len(r.report.Failures)),
	)
	if runErr != nil {
		return r.report, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return r.report, nil
}

// run accumulates the report of one Orchestrator run. handle is called
// concurrently by pooled schedulers.
type run struct {
	o      *Orchestrator
	logger *zap.Logger

	mu     sync.Mutex
	report crawler.RunReport
}

func (r *run) handle(ctx context.Context, res crawler.FetchResult) error {
	target := res.Target
	if !res.OK() {
		r.fail(crawler.NewTargetFailure(target, res.Err, res.Attempts))
		return nil
	}
	if err := ctx.Err(); err != nil {
		r.fail(crawler.NewTargetFailure(target, &crawler.FetchError{
			Kind:     crawler.FailureCanceled,
			URL:      target.URI,
			Attempts: res.Attempts,
			Err:      err,
		}, res.Attempts))
		return nil
	}
	r.mu.Lock()
	r.report.Fetched++
	r.mu.Unlock()

	units, err := r.o.normalizer.Normalize(ctx, res.Document)
	if err != nil {
		r.fail(crawler.NewTargetFailure(target, &crawler.FetchError{
			Kind: crawler.FailureNormalize,
			URL:  target.URI,
			Err:  err,
		}, res.Attempts))
		return nil
	}
	kept, excluded := normalize.FilterUnits(units, target.Keywords)
	kept, removed := r.stripBoilerplate(ctx, kept)

	changed, err := r.o.snapshots.Persist(ctx, kept)
	r.mu.Lock()
	r.report.Units += len(kept)
	r.report.Excluded += excluded
	r.report.BoilerplateRemoved += removed
	r.report.Changed = append(r.report.Changed, changed...)
	r.mu.Unlock()

	if err != nil {
		if errors.Is(err, crawler.ErrStorage) {
			return fmt.Errorf("persist %s: %w", target.Name, err)
		}
		kind := crawler.FailureUnknown
		if ctx.Err() != nil {
			kind = crawler.FailureCanceled
		}
		r.fail(crawler.NewTargetFailure(target, &crawler.FetchError{
			Kind: kind,
			URL:  target.URI,
			Err:  err,
		}, res.Attempts))
		return nil
	}
	r.logger.Debug("target processed",
		zap.String("target", target.Name),
		zap.Int("units", len(kept)),
		zap.Int("excluded", excluded),
		zap.Int("changed", len(changed)),
	)
	return nil
}

func (r *run) stripBoilerplate(ctx context.Context, units []crawler.NormalizedUnit) ([]crawler.NormalizedUnit, int) {
	if r.o.boilerplate == nil {
		return units, 0
	}
	removed := 0
	out := make([]crawler.NormalizedUnit, 0, len(units))
	for _, unit := range units {
		if _, ok := r.o.kinds[unit.Kind]; !ok {
			out = append(out, unit)
			continue
		}
		result, err := r.o.boilerplate.Apply(ctx, unit.SourceName, unit.Text)
		if err != nil {
			r.logger.Warn("boilerplate filter failed", zap.String("source", unit.SourceName), zap.Error(err))
			out = append(out, unit)
			continue
		}
		removed += result.Removed
		if result.Text == "" {
			r.logger.Debug("unit reduced to boilerplate", zap.String("source", unit.SourceName))
			continue
		}
		unit.Text = result.Text
		out = append(out, unit)
	}
	return out, removed
}

func (r *run) fail(failure crawler.TargetFailure) {
	r.logger.Warn("target failed",
		zap.String("target", failure.Target),
		zap.String("kind", string(failure.Kind)),
		zap.Int("status", failure.Status),
		zap.Int("attempts", failure.Attempts),
		zap.String("error", failure.Error),
	)
	r.mu.Lock()
	r.report.Failures = append(r.report.Failures, failure)
	r.mu.Unlock()
}
