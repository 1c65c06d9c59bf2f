// Package schedule selects what to publish each cycle and records the
// durable cursors. A cycle walks Idle → Collecting → Selecting → Publishing
// → Recording → Idle; RunCycle performs one full traversal.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
	"github.com/mwmbl/post/publish"
)

// defaultWeeklyWindow bounds the first weekly cycle when no cursor exists.
const defaultWeeklyWindow = 168 * time.Hour

// Stage is one step of the cycle state machine.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageCollecting Stage = "collecting"
	StageSelecting  Stage = "selecting"
	StagePublishing Stage = "publishing"
	StageRecording  Stage = "recording"
)

// Config holds the scheduling thresholds.
type Config struct {
	MaxDailyPosts   int
	MinPostInterval time.Duration
}

// DefaultConfig mirrors the original system's posting limits.
func DefaultConfig() Config {
	return Config{
		MaxDailyPosts:   10,
		MinPostInterval: time.Hour,
	}
}

// Publisher fans one candidate out to a destination set.
type Publisher interface {
	Publish(ctx context.Context, c *activity.Candidate, destinations []activity.Destination) map[activity.Destination]publish.Result
}

// Summarizer produces the weekly digest body. It never fails; on any
// upstream trouble it falls back to a deterministic digest.
type Summarizer interface {
	WeeklySummary(ctx context.Context, acts []*activity.Activity, start, end time.Time) string
}

// CandidateResult pairs a published candidate with its per-destination
// results.
type CandidateResult struct {
	Candidate *activity.Candidate
	Results   map[activity.Destination]publish.Result
}

// Outcome reports one cycle traversal.
type Outcome struct {
	CycleType activity.CycleType
	Stages    []Stage

	// Skipped means the gate rejected the cycle before selection; Reason
	// wraps ErrSelectionSkipped. Distinct from a ran-but-empty cycle.
	Skipped bool
	Reason  error

	Selected   int
	Candidates []CandidateResult

	// One entry per post reaching the status, candidate by candidate.
	Succeeded []activity.Destination
	Retryable []activity.Destination
	Permanent []activity.Destination

	// Destinations excluded from the cycle by the per-destination interval.
	IntervalSkipped []activity.Destination
}

// Scheduler owns cycle selection and cursor recording. RunCycle never reads
// the wall clock; callers pass now.
type Scheduler struct {
	store      *activity.Store
	publisher  Publisher
	summarizer Summarizer
	cfg        Config
	logger     *zap.SugaredLogger
}

func New(store *activity.Store, publisher Publisher, summarizer Summarizer, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:      store,
		publisher:  publisher,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
	}
}

// RunCycle performs one daily or weekly cycle. Callers serialize invocations
// of the same cycle type.
func (s *Scheduler) RunCycle(ctx context.Context, cycleType activity.CycleType, now time.Time) (*Outcome, error) {
	// One cycle ID correlates selection and publish log lines across
	// components.
	cycleID := uuid.NewString()
	ctx = logger.WithCycleID(ctx, cycleID)
	log := logger.ChildLogger(s.logger, logger.FieldCycleID, cycleID)

	state, err := s.store.ScheduleState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load schedule state")
	}

	// Day boundary resets the daily counter.
	day := now.Format("2006-01-02")
	if state.Day != day {
		state.Day = day
		state.PostsPublishedToday = 0
	}

	switch cycleType {
	case activity.CycleDaily:
		return s.runDaily(ctx, state, now, log)
	case activity.CycleWeekly:
		return s.runWeekly(ctx, state, now, log)
	}
	return nil, errors.Newf("unknown cycle type %q", cycleType)
}

func (s *Scheduler) runDaily(ctx context.Context, state *activity.ScheduleState, now time.Time, log *zap.SugaredLogger) (*Outcome, error) {
	outcome := &Outcome{
		CycleType: activity.CycleDaily,
		Stages:    []Stage{StageIdle, StageCollecting},
	}

	// Gates reject before selection and leave the store untouched.
	if !state.LastDailyRunAt.IsZero() && now.Sub(state.LastDailyRunAt) < s.cfg.MinPostInterval {
		outcome.Skipped = true
		outcome.Reason = errors.Wrapf(errors.ErrSelectionSkipped,
			"last daily cycle ran %s ago", now.Sub(state.LastDailyRunAt).Round(time.Second))
		log.Infow("Daily cycle skipped", "reason", outcome.Reason)
		return outcome, nil
	}
	budget := s.cfg.MaxDailyPosts - state.PostsPublishedToday
	if budget <= 0 {
		outcome.Skipped = true
		outcome.Reason = errors.Wrapf(errors.ErrSelectionSkipped,
			"daily budget exhausted: %d posts published today", state.PostsPublishedToday)
		log.Infow("Daily cycle skipped", "reason", outcome.Reason)
		return outcome, nil
	}

	outcome.Stages = append(outcome.Stages, StageSelecting)
	allDests := activity.CycleDaily.Destinations()
	dests := s.openDestinations(state, allDests, now, outcome)

	candidates, err := s.store.ListDailyCandidates(ctx, len(allDests), budget)
	if err != nil {
		return nil, errors.Wrap(err, "select daily candidates")
	}
	outcome.Selected = len(candidates)

	outcome.Stages = append(outcome.Stages, StagePublishing)
	published := 0
	for _, act := range candidates {
		candidate := &activity.Candidate{
			CycleType:  activity.CycleDaily,
			Activities: []*activity.Activity{act},
		}
		results := s.publisher.Publish(ctx, candidate, dests)
		// The counter is in candidate units, matching the budget: one
		// candidate consumes one unit however many destinations carried it.
		if s.record(state, candidate, results, now, outcome) > 0 {
			published++
		}
	}

	outcome.Stages = append(outcome.Stages, StageRecording)
	state.LastDailyRunAt = now
	state.PostsPublishedToday += published
	if err := s.store.SaveScheduleState(ctx, state); err != nil {
		return nil, errors.Wrap(err, "save schedule state")
	}
	outcome.Stages = append(outcome.Stages, StageIdle)

	log.Infow("Daily cycle complete",
		"selected", outcome.Selected,
		"succeeded", len(outcome.Succeeded),
		"retryable", len(outcome.Retryable),
		"permanent", len(outcome.Permanent),
		"interval_skipped", len(outcome.IntervalSkipped),
	)
	return outcome, nil
}

func (s *Scheduler) runWeekly(ctx context.Context, state *activity.ScheduleState, now time.Time, log *zap.SugaredLogger) (*Outcome, error) {
	outcome := &Outcome{
		CycleType: activity.CycleWeekly,
		Stages:    []Stage{StageIdle, StageCollecting, StageSelecting},
	}

	start := state.LastWeeklyRunAt
	if start.IsZero() {
		start = now.Add(-defaultWeeklyWindow)
	}

	acts, err := s.store.ListNewsworthyBetween(ctx, start, now)
	if err != nil {
		return nil, errors.Wrap(err, "select weekly window")
	}
	outcome.Selected = len(acts)

	outcome.Stages = append(outcome.Stages, StagePublishing)
	if len(acts) > 0 {
		candidate := &activity.Candidate{
			CycleType:  activity.CycleWeekly,
			Activities: acts,
			Body:       s.summarizer.WeeklySummary(ctx, acts, start, now),
			WeekStart:  start,
			WeekEnd:    now,
		}

		blogDests := s.openDestinations(state, activity.CycleWeekly.Destinations(), now, outcome)
		results := s.publisher.Publish(ctx, candidate, blogDests)
		s.record(state, candidate, results, now, outcome)

		// The microblog teaser goes out only once the digest is live.
		if blogLive(results) {
			announcement := &activity.Candidate{
				CycleType:    activity.CycleWeekly,
				Activities:   acts,
				WeekStart:    start,
				WeekEnd:      now,
				Announcement: true,
			}
			teaserDests := s.openDestinations(state,
				[]activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB}, now, outcome)
			teaserResults := s.publisher.Publish(ctx, announcement, teaserDests)
			s.record(state, announcement, teaserResults, now, outcome)
		}
	}

	outcome.Stages = append(outcome.Stages, StageRecording)
	state.LastWeeklyRunAt = now
	if err := s.store.SaveScheduleState(ctx, state); err != nil {
		return nil, errors.Wrap(err, "save schedule state")
	}
	outcome.Stages = append(outcome.Stages, StageIdle)

	log.Infow("Weekly cycle complete",
		"window_start", start,
		"selected", outcome.Selected,
		"succeeded", len(outcome.Succeeded),
		"retryable", len(outcome.Retryable),
		"permanent", len(outcome.Permanent),
	)
	return outcome, nil
}

// openDestinations drops destinations whose last post is younger than the
// minimum interval and reports them on the outcome.
func (s *Scheduler) openDestinations(state *activity.ScheduleState, dests []activity.Destination, now time.Time, outcome *Outcome) []activity.Destination {
	open := make([]activity.Destination, 0, len(dests))
	for _, d := range dests {
		last, ok := state.LastPostAt[d]
		if ok && now.Sub(last) < s.cfg.MinPostInterval {
			outcome.IntervalSkipped = append(outcome.IntervalSkipped, d)
			continue
		}
		open = append(open, d)
	}
	return open
}

// record folds one candidate's results into the outcome and the state's
// per-destination cursors, returning the count of newly succeeded posts.
// Cursors record actual posts: they advance on a new success or a permanent
// failure, but not on a replayed already-succeeded result (nothing was
// posted now) and not on a retryable failure (the next cycle may retry
// within the same window).
func (s *Scheduler) record(state *activity.ScheduleState, candidate *activity.Candidate, results map[activity.Destination]publish.Result, now time.Time, outcome *Outcome) int {
	outcome.Candidates = append(outcome.Candidates, CandidateResult{
		Candidate: candidate,
		Results:   results,
	})

	succeeded := 0
	for dest, result := range results {
		switch result.Status {
		case publish.StatusSucceeded:
			succeeded++
			outcome.Succeeded = append(outcome.Succeeded, dest)
			s.advanceCursor(state, dest, now)
		case publish.StatusAlreadySucceeded:
			outcome.Succeeded = append(outcome.Succeeded, dest)
		case publish.StatusFailedPermanent:
			outcome.Permanent = append(outcome.Permanent, dest)
			s.advanceCursor(state, dest, now)
		case publish.StatusFailedRetryable:
			outcome.Retryable = append(outcome.Retryable, dest)
		}
	}
	return succeeded
}

func (s *Scheduler) advanceCursor(state *activity.ScheduleState, dest activity.Destination, now time.Time) {
	if state.LastPostAt == nil {
		state.LastPostAt = map[activity.Destination]time.Time{}
	}
	state.LastPostAt[dest] = now
}

func blogLive(results map[activity.Destination]publish.Result) bool {
	result, ok := results[activity.DestBlog]
	if !ok {
		return false
	}
	return result.Status == publish.StatusSucceeded || result.Status == publish.StatusAlreadySucceeded
}
