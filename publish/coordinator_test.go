package publish

import (
	"context"
	"database/sql"
	"sync/atomic"
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
)

// fakeAdapter scripts per-attempt outcomes.
type fakeAdapter struct {
	calls   atomic.Int32
	outcome func(attempt int, content string) (string, error)
	pingErr error
}

func (f *fakeAdapter) Publish(_ context.Context, content string) (string, error) {
	return f.outcome(int(f.calls.Add(1)), content)
}

func (f *fakeAdapter) Ping(context.Context) error { return f.pingErr }

// plainRenderer renders fixed strings so content-length behavior can be
// scripted by the adapter.
type plainRenderer struct {
	full    string
	compact string
}

func (r plainRenderer) Render(*activity.Candidate, activity.Destination) (string, error) {
	return r.full, nil
}

func (r plainRenderer) Compact(*activity.Candidate, activity.Destination) (string, error) {
	return r.compact, nil
}

func newTestStore(t *testing.T) *activity.Store {
	t.Helper()
	conn := testdb.CreateMigratedDB(t, func(d *sql.DB) error { return db.Migrate(d, nil) })
	return activity.NewStore(conn)
}

func storedCandidate(t *testing.T, store *activity.Store) *activity.Candidate {
	t.Helper()
	a := &activity.Activity{
		ID:         uuid.NewString(),
		Source:     activity.SourceRepository,
		Kind:       activity.KindRepoRelease,
		NativeID:   uuid.NewString(),
		ObservedAt: time.Now().UTC(),
		OccurredAt: time.Now().UTC(),
		Payload:    activity.Payload{Title: "Release v1.4.0: Faster crawling"},
	}
	_, _, err := store.FindOrCreateActivity(context.Background(), a)
	require.NoError(t, err)
	return &activity.Candidate{CycleType: activity.CycleDaily, Activities: []*activity.Activity{a}}
}

func newTestCoordinator(store *activity.Store, renderer Renderer, adapters map[activity.Destination]Adapter) *Coordinator {
	c := NewCoordinator(store, renderer, adapters, zap.NewNop().Sugar())
	c.SetBackoff(func(int) time.Duration { return 0 })
	return c
}

func TestPublishSuccess(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	adapter := &fakeAdapter{outcome: func(int, string) (string, error) { return "ref-1", nil }}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	results := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})

	r := results[activity.DestMicroblogA]
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, "ref-1", r.ExternalRef)
	assert.Equal(t, 1, r.Attempts)

	posts, err := store.ListPostsSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, activity.PostSucceeded, posts[0].Status)
	assert.Equal(t, "ref-1", posts[0].ExternalRef)
}

func TestPublishIsolatesDestinations(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	good := &fakeAdapter{outcome: func(int, string) (string, error) { return "ok", nil }}
	bad := &fakeAdapter{outcome: func(int, string) (string, error) {
		return "", errors.NewPermanentError("rejected")
	}}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{
			activity.DestMicroblogA: good,
			activity.DestMicroblogB: bad,
		})

	results := c.Publish(context.Background(), candidate,
		[]activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB})

	assert.Equal(t, StatusSucceeded, results[activity.DestMicroblogA].Status)
	assert.Equal(t, StatusFailedPermanent, results[activity.DestMicroblogB].Status)
	assert.Equal(t, 1, results[activity.DestMicroblogB].Attempts,
		"permanent failures stop immediately")
}

func TestPublishRecoversFromAdapterPanic(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	good := &fakeAdapter{outcome: func(int, string) (string, error) { return "ok", nil }}
	broken := &fakeAdapter{outcome: func(int, string) (string, error) {
		panic("nil session")
	}}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{
			activity.DestMicroblogA: good,
			activity.DestMicroblogB: broken,
		})

	results := c.Publish(context.Background(), candidate,
		[]activity.Destination{activity.DestMicroblogA, activity.DestMicroblogB})

	require.Len(t, results, 2, "every requested destination gets a result")
	assert.Equal(t, StatusSucceeded, results[activity.DestMicroblogA].Status)

	r := results[activity.DestMicroblogB]
	assert.Equal(t, StatusFailedPermanent, r.Status)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "nil session")

	posts, err := store.ListPostsSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, posts, 2)
	for _, p := range posts {
		if p.Destination == activity.DestMicroblogB {
			assert.Equal(t, activity.PostFailedPermanent, p.Status,
				"the panicking destination's row must not stay pending")
			assert.Contains(t, p.ErrorMessage, "nil session")
		}
	}
}

func TestPublishRetriesUntilExhaustion(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	adapter := &fakeAdapter{outcome: func(int, string) (string, error) {
		return "", errors.NewRetryableError("connection reset")
	}}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	results := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})

	r := results[activity.DestMicroblogA]
	assert.Equal(t, StatusFailedRetryable, r.Status)
	assert.Equal(t, MaxAttempts, r.Attempts)
	assert.Equal(t, int32(MaxAttempts), adapter.calls.Load())

	posts, err := store.ListPostsSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, activity.PostFailedRetryable, posts[0].Status)
	assert.Equal(t, MaxAttempts, posts[0].AttemptCount)
	assert.Contains(t, posts[0].ErrorMessage, "connection reset")
}

func TestPublishRecoversMidRetry(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	adapter := &fakeAdapter{outcome: func(attempt int, _ string) (string, error) {
		if attempt < 3 {
			return "", errors.NewRetryableError("429 rate limited")
		}
		return "ref-3", nil
	}}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	results := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})

	r := results[activity.DestMicroblogA]
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 3, r.Attempts)
}

func TestPublishCompactFallbackOnTooLong(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	adapter := &fakeAdapter{outcome: func(_ int, content string) (string, error) {
		if content == "full rendering" {
			return "", errors.Wrap(errors.ErrContentTooLong, "312 runes over 300")
		}
		return "ref-compact", nil
	}}
	c := newTestCoordinator(store, plainRenderer{full: "full rendering", compact: "short"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	results := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})

	r := results[activity.DestMicroblogA]
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, "ref-compact", r.ExternalRef)
	assert.Equal(t, 2, r.Attempts)
}

func TestPublishSecondTooLongIsPermanent(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	adapter := &fakeAdapter{outcome: func(int, string) (string, error) {
		return "", errors.Wrap(errors.ErrContentTooLong, "too long")
	}}
	c := newTestCoordinator(store, plainRenderer{full: "full", compact: "still too long"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	results := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})

	r := results[activity.DestMicroblogA]
	assert.Equal(t, StatusFailedPermanent, r.Status)
	assert.Equal(t, 2, r.Attempts)
}

func TestPublishIdempotence(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	adapter := &fakeAdapter{outcome: func(int, string) (string, error) { return "ref-1", nil }}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	first := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})
	require.Equal(t, StatusSucceeded, first[activity.DestMicroblogA].Status)

	second := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestMicroblogA})
	assert.Equal(t, StatusAlreadySucceeded, second[activity.DestMicroblogA].Status)
	assert.Equal(t, int32(1), adapter.calls.Load(), "replay must not reach the adapter")
}

func TestPublishCancellationMarksRetryable(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	adapter := &fakeAdapter{outcome: func(int, string) (string, error) {
		cancel()
		return "", errors.NewRetryableError("mid-flight fault")
	}}
	c := newTestCoordinator(store, plainRenderer{full: "content"},
		map[activity.Destination]Adapter{activity.DestMicroblogA: adapter})

	results := c.Publish(ctx, candidate, []activity.Destination{activity.DestMicroblogA})

	r := results[activity.DestMicroblogA]
	assert.Equal(t, StatusFailedRetryable, r.Status)
	assert.Contains(t, r.Err.Error(), "cancelled")

	posts, err := store.ListPostsSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, activity.PostFailedRetryable, posts[0].Status)
	assert.Contains(t, posts[0].ErrorMessage, "cancelled")
}

func TestPublishMissingAdapter(t *testing.T) {
	store := newTestStore(t)
	candidate := storedCandidate(t, store)

	c := newTestCoordinator(store, plainRenderer{full: "content"}, nil)

	results := c.Publish(context.Background(), candidate, []activity.Destination{activity.DestBlog})
	assert.Equal(t, StatusFailedPermanent, results[activity.DestBlog].Status)
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	c := newTestCoordinator(store, plainRenderer{},
		map[activity.Destination]Adapter{
			activity.DestMicroblogA: &fakeAdapter{},
			activity.DestMicroblogB: &fakeAdapter{pingErr: errors.New("bad token")},
		})

	checks := c.Ping(context.Background())
	assert.NoError(t, checks["database"])
	assert.NoError(t, checks["microblog_a"])
	assert.Error(t, checks["microblog_b"])
}
