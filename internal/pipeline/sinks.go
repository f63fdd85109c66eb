package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// Sink receives the records changed by a run.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, runID string, records []crawler.SnapshotRecord) error
}

// PublisherSink publishes one ChangeEvent per changed record.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublisherSink builds a sink that publishes to topic.
func NewPublisherSink(publisher crawler.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Name implements Sink.
func (s *PublisherSink) Name() string {
	return "publisher"
}

// Deliver implements Sink. It publishes every record and joins the failures.
func (s *PublisherSink) Deliver(ctx context.Context, runID string, records []crawler.SnapshotRecord) error {
	var errs []error
	for _, rec := range records {
		event := crawler.ChangeEvent{
			RunID:     runID,
			Name:      rec.Name,
			Hash:      rec.Hash,
			Timestamp: rec.Timestamp,
			Type:      rec.Type,
			Tags:      rec.Tags,
			Diff:      rec.Diff,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, event); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", rec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// MirrorSink copies changed records into a RecordMirror.
type MirrorSink struct {
	mirror crawler.RecordMirror
}

// NewMirrorSink builds a sink backed by mirror.
func NewMirrorSink(mirror crawler.RecordMirror) *MirrorSink {
	return &MirrorSink{mirror: mirror}
}

// Name implements Sink.
func (s *MirrorSink) Name() string {
	return "mirror"
}

// Deliver implements Sink. It stops at the first failure.
func (s *MirrorSink) Deliver(ctx context.Context, runID string, records []crawler.SnapshotRecord) error {
	for _, rec := range records {
		if err := s.mirror.StoreRecord(ctx, runID, rec); err != nil {
			return fmt.Errorf("mirror %s: %w", rec.Name, err)
		}
	}
	return nil
}

// notify fans the changed records out to every sink. Sink failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, logger *zap.Logger, runID string, records []crawler.SnapshotRecord) {
	if len(o.sinks) == 0 {
		return
	}
	var g errgroup.Group
	for _, sink := range o.sinks {
		g.Go(func() error {
			sctx := ctx
			if o.cfg.SinkTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, o.cfg.SinkTimeout)
				defer cancel()
			}
			if err := sink.Deliver(sctx, runID, records); err != nil {
				logger.Warn("sink delivery failed", zap.String("sink", sink.Name()), zap.Error(err))
				return nil
			}
			logger.Debug("sink delivered", zap.String("sink", sink.Name()), zap.Int("records", len(records)))
			return nil
		})
	}
	_ = g.Wait()
}
