package collect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
)

// Admitter deduplicates a raw activity into the store.
type Admitter interface {
	Admit(ctx context.Context, raw activity.Raw, observedAt time.Time) (*activity.Activity, bool, error)
}

// Classifier decides whether an admitted activity is newsworthy.
type Classifier interface {
	Classify(ctx context.Context, a *activity.Activity) (bool, error)
}

// SourceSummary reports one source's outcome for a collection run.
type SourceSummary struct {
	Source     string
	Collected  int
	Admitted   int
	Duplicates int
	Newsworthy int
	Failed     int
	Err        error // collection error; nil when the source ran
}

// Pipeline runs every source, admits what it yields, and classifies each
// newly admitted activity. Source failures are isolated so one broken
// source never blocks the others; a store failure aborts the run.
type Pipeline struct {
	sources    []Source
	admitter   Admitter
	classifier Classifier
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewPipeline(sources []Source, admitter Admitter, classifier Classifier, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		sources:    sources,
		admitter:   admitter,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock allows overriding time for testing
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Run collects from every source since the given time and returns one
// summary per source, in source order.
func (p *Pipeline) Run(ctx context.Context, since time.Time) ([]SourceSummary, error) {
	summaries := make([]SourceSummary, 0, len(p.sources))
	for _, source := range p.sources {
		summary, err := p.runSource(ctx, source, since)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (p *Pipeline) runSource(ctx context.Context, source Source, since time.Time) (SourceSummary, error) {
	summary := SourceSummary{Source: source.Name()}

	raws, err := source.Collect(ctx, since)
	if err != nil {
		summary.Err = err
		p.logger.Warnw("Source collection failed",
			"source", source.Name(),
			"error", err,
		)
		return summary, nil
	}
	summary.Collected = len(raws)

	observedAt := p.now().UTC()
	for _, raw := range raws {
		admitted, created, err := p.admitter.Admit(ctx, raw, observedAt)
		if err != nil {
			if errors.IsStoreUnavailableError(err) {
				return summary, err
			}
			summary.Failed++
			p.logger.Warnw("Admission failed",
				"source", source.Name(),
				"native_id", raw.NativeID,
				"error", err,
			)
			continue
		}
		if !created {
			summary.Duplicates++
			continue
		}
		summary.Admitted++

		newsworthy, err := p.classifier.Classify(ctx, admitted)
		if err != nil {
			if errors.IsStoreUnavailableError(err) {
				return summary, err
			}
			summary.Failed++
			p.logger.Warnw("Classification failed",
				"source", source.Name(),
				"activity", admitted.ID,
				"error", err,
			)
			continue
		}
		if newsworthy {
			summary.Newsworthy++
		}
	}

	p.logger.Infow("Source collected",
		"source", source.Name(),
		"collected", summary.Collected,
		"admitted", summary.Admitted,
		"duplicates", summary.Duplicates,
		"newsworthy", summary.Newsworthy,
		"failed", summary.Failed,
	)
	return summary, nil
}
