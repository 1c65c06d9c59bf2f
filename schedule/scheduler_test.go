package schedule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/db"
	"github.com/mwmbl/post/errors"
	testdb "github.com/mwmbl/post/internal/testing"
	"github.com/mwmbl/post/publish"
)

type publishCall struct {
	candidate    *activity.Candidate
	destinations []activity.Destination
}

// fakePublisher succeeds everywhere unless outcome overrides a destination.
type fakePublisher struct {
	calls   []publishCall
	outcome map[activity.Destination]publish.Result
}

func (f *fakePublisher) Publish(_ context.Context, c *activity.Candidate, dests []activity.Destination) map[activity.Destination]publish.Result {
	f.calls = append(f.calls, publishCall{candidate: c, destinations: dests})
	results := make(map[activity.Destination]publish.Result, len(dests))
	for _, d := range dests {
		if r, ok := f.outcome[d]; ok {
			results[d] = r
			continue
		}
		results[d] = publish.Result{Status: publish.StatusSucceeded, ExternalRef: "ref-" + string(d), Attempts: 1}
	}
	return results
}

type fakeSummarizer struct {
	body  string
	calls int
}

func (f *fakeSummarizer) WeeklySummary(_ context.Context, _ []*activity.Activity, _, _ time.Time) string {
	f.calls++
	return f.body
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *activity.Store, *fakePublisher, *fakeSummarizer) {
	t.Helper()
	conn := testdb.CreateMigratedDB(t, func(d *sql.DB) error { return db.Migrate(d, nil) })
	store := activity.NewStore(conn)
	pub := &fakePublisher{}
	sum := &fakeSummarizer{body: "# Weekly Update\n\nDigest body."}
	return New(store, pub, sum, cfg, zap.NewNop().Sugar()), store, pub, sum
}

func newsworthyActivity(t *testing.T, store *activity.Store, observedAt time.Time) *activity.Activity {
	t.Helper()
	a := &activity.Activity{
		ID:         uuid.NewString(),
		Source:     activity.SourceChat,
		Kind:       activity.KindChatMessage,
		NativeID:   uuid.NewString(),
		ObservedAt: observedAt,
		OccurredAt: observedAt,
		Payload:    activity.Payload{Title: "Matrix message", Summary: "we shipped a new release"},
	}
	stored, created, err := store.FindOrCreateActivity(context.Background(), a)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.SetNewsworthy(context.Background(), stored.ID, true))
	return stored
}

func TestDailyCycleSelectsNewestFirstUpToBudget(t *testing.T) {
	cfg := Config{MaxDailyPosts: 2, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	oldest := newsworthyActivity(t, store, now.Add(-3*time.Hour))
	middle := newsworthyActivity(t, store, now.Add(-2*time.Hour))
	newest := newsworthyActivity(t, store, now.Add(-1*time.Hour))
	_ = oldest

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 2, outcome.Selected)

	require.Len(t, pub.calls, 2)
	assert.Equal(t, newest.ID, pub.calls[0].candidate.Activities[0].ID)
	assert.Equal(t, middle.ID, pub.calls[1].candidate.Activities[0].ID)
	assert.ElementsMatch(t,
		[]activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB},
		pub.calls[0].destinations)

	// Four succeeded posts across two candidates and two destinations, but
	// the counter is in candidate units like the cap.
	assert.Len(t, outcome.Succeeded, 4)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, state.LastDailyRunAt)
	assert.Equal(t, 2, state.PostsPublishedToday)
	assert.Equal(t, now, state.LastPostAt[activity.DestMicroblogA])
	assert.Equal(t, now, state.LastPostAt[activity.DestMicroblogB])
}

func TestDailyCycleSkipsWithinInterval(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	state.LastDailyRunAt = now.Add(-30 * time.Minute)
	state.Day = now.Format("2006-01-02")
	require.NoError(t, store.SaveScheduleState(context.Background(), state))

	newsworthyActivity(t, store, now.Add(-time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.True(t, errors.IsSelectionSkippedError(outcome.Reason))
	assert.Empty(t, pub.calls)

	// A skip leaves the cursor untouched.
	after, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.LastDailyRunAt, after.LastDailyRunAt)
}

func TestDailyCycleSkipsWhenBudgetExhausted(t *testing.T) {
	cfg := Config{MaxDailyPosts: 3, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	state.Day = now.Format("2006-01-02")
	state.PostsPublishedToday = 3
	require.NoError(t, store.SaveScheduleState(context.Background(), state))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Contains(t, outcome.Reason.Error(), "budget exhausted")
	assert.Empty(t, pub.calls)
}

func TestDayBoundaryResetsCounter(t *testing.T) {
	cfg := Config{MaxDailyPosts: 3, MinPostInterval: time.Hour}
	s, store, _, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	state.Day = "2026-08-25"
	state.PostsPublishedToday = 3
	require.NoError(t, store.SaveScheduleState(context.Background(), state))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)

	after, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-08-26", after.Day)
	assert.Equal(t, 0, after.PostsPublishedToday)
}

func TestRetryableFailureLeavesCursor(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	pub.outcome = map[activity.Destination]publish.Result{
		activity.DestMicroblogB: {
			Status:   publish.StatusFailedRetryable,
			Attempts: publish.MaxAttempts,
			Err:      errors.NewRetryableError("connection reset"),
		},
	}
	newsworthyActivity(t, store, now.Add(-time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.Equal(t, []activity.Destination{activity.DestMicroblogA}, outcome.Succeeded)
	assert.Equal(t, []activity.Destination{activity.DestMicroblogB}, outcome.Retryable)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, state.LastPostAt[activity.DestMicroblogA])
	_, hasCursor := state.LastPostAt[activity.DestMicroblogB]
	assert.False(t, hasCursor)
	assert.Equal(t, 1, state.PostsPublishedToday)
}

func TestDailyCounterCountsCandidatesNotPosts(t *testing.T) {
	cfg := Config{MaxDailyPosts: 5, MinPostInterval: time.Hour}
	s, store, _, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	newsworthyActivity(t, store, now.Add(-time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.Len(t, outcome.Succeeded, 2, "one candidate carried on both microblogs")

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.PostsPublishedToday,
		"a candidate consumes one budget unit regardless of destination fan-out")
}

func TestReplayedSuccessLeavesCursor(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	// microblog_a already carried this candidate in an earlier cycle;
	// nothing is posted there now.
	pub.outcome = map[activity.Destination]publish.Result{
		activity.DestMicroblogA: {Status: publish.StatusAlreadySucceeded},
	}
	newsworthyActivity(t, store, now.Add(-time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB},
		outcome.Succeeded)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, state.LastPostAt[activity.DestMicroblogB])
	_, hasCursor := state.LastPostAt[activity.DestMicroblogA]
	assert.False(t, hasCursor, "a replay posts nothing and must not delay the next real post")
}

func TestPermanentFailureAdvancesCursor(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	pub.outcome = map[activity.Destination]publish.Result{
		activity.DestMicroblogA: {
			Status:   publish.StatusFailedPermanent,
			Attempts: 1,
			Err:      errors.NewPermanentError("invalid credentials"),
		},
	}
	newsworthyActivity(t, store, now.Add(-time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.Equal(t, []activity.Destination{activity.DestMicroblogA}, outcome.Permanent)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, state.LastPostAt[activity.DestMicroblogA])
}

func TestIntervalSkippedDestinationExcluded(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	state.LastDailyRunAt = now.Add(-2 * time.Hour)
	state.Day = now.Format("2006-01-02")
	state.LastPostAt = map[activity.Destination]time.Time{
		activity.DestMicroblogB: now.Add(-10 * time.Minute),
	}
	require.NoError(t, store.SaveScheduleState(context.Background(), state))

	newsworthyActivity(t, store, now.Add(-time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.Equal(t, []activity.Destination{activity.DestMicroblogB}, outcome.IntervalSkipped)

	require.Len(t, pub.calls, 1)
	assert.Equal(t, []activity.Destination{activity.DestMicroblogA}, pub.calls[0].destinations)
}

func TestEmptySelectionStillAdvancesRunCursor(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	outcome, err := s.RunCycle(context.Background(), activity.CycleDaily, now)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 0, outcome.Selected)
	assert.Empty(t, pub.calls)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, state.LastDailyRunAt)
}

func TestWeeklyCyclePublishesDigestThenAnnouncement(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, sum := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	state.LastWeeklyRunAt = now.Add(-8 * 24 * time.Hour)
	require.NoError(t, store.SaveScheduleState(context.Background(), state))

	inWindow := newsworthyActivity(t, store, now.Add(-2*24*time.Hour))
	outOfWindow := newsworthyActivity(t, store, now.Add(-9*24*time.Hour))
	_ = outOfWindow

	outcome, err := s.RunCycle(context.Background(), activity.CycleWeekly, now)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Selected)
	assert.Equal(t, 1, sum.calls)

	require.Len(t, pub.calls, 2)

	digest := pub.calls[0]
	assert.Equal(t, []activity.Destination{activity.DestBlog}, digest.destinations)
	assert.False(t, digest.candidate.Announcement)
	assert.Equal(t, sum.body, digest.candidate.Body)
	require.Len(t, digest.candidate.Activities, 1)
	assert.Equal(t, inWindow.ID, digest.candidate.Activities[0].ID)
	assert.Equal(t, now, digest.candidate.WeekEnd)

	teaser := pub.calls[1]
	assert.True(t, teaser.candidate.Announcement)
	assert.ElementsMatch(t,
		[]activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB},
		teaser.destinations)

	after, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, after.LastWeeklyRunAt)
	// Weekly posts never consume the daily budget.
	assert.Equal(t, 0, after.PostsPublishedToday)
}

func TestWeeklyAnnouncementHeldBackWhenBlogFails(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, _ := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	pub.outcome = map[activity.Destination]publish.Result{
		activity.DestBlog: {
			Status:   publish.StatusFailedRetryable,
			Attempts: publish.MaxAttempts,
			Err:      errors.NewRetryableError("push timed out"),
		},
	}
	newsworthyActivity(t, store, now.Add(-24*time.Hour))

	outcome, err := s.RunCycle(context.Background(), activity.CycleWeekly, now)
	require.NoError(t, err)
	assert.Equal(t, []activity.Destination{activity.DestBlog}, outcome.Retryable)
	require.Len(t, pub.calls, 1)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	_, hasCursor := state.LastPostAt[activity.DestBlog]
	assert.False(t, hasCursor)
	assert.Equal(t, now, state.LastWeeklyRunAt)
}

func TestWeeklyEmptyWindowAdvancesCursor(t *testing.T) {
	cfg := Config{MaxDailyPosts: 10, MinPostInterval: time.Hour}
	s, store, pub, sum := newTestScheduler(t, cfg)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	outcome, err := s.RunCycle(context.Background(), activity.CycleWeekly, now)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Selected)
	assert.Empty(t, pub.calls)
	assert.Equal(t, 0, sum.calls)

	state, err := store.ScheduleState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, state.LastWeeklyRunAt)
}

func TestUnknownCycleType(t *testing.T) {
	cfg := DefaultConfig()
	s, _, _, _ := newTestScheduler(t, cfg)

	_, err := s.RunCycle(context.Background(), activity.CycleType("hourly"), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hourly")
}
