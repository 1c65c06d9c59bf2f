// Package publish fans a candidate out to its destinations: one goroutine
// per destination, per-destination retry with backoff, and the at-most-once
// guard against the posts table.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/logger"
)

// MaxAttempts bounds the per-destination attempt loop.
const MaxAttempts = 3

// contentAuditLimit truncates the stored rendering snapshot.
const contentAuditLimit = 1000

// Status is the per-destination publish outcome.
type Status string

const (
	StatusSucceeded        Status = "succeeded"
	StatusAlreadySucceeded Status = "already_succeeded"
	StatusFailedRetryable  Status = "failed_retryable"
	StatusFailedPermanent  Status = "failed_permanent"
)

// Result reports what happened to one destination.
type Result struct {
	Status      Status
	ExternalRef string
	Attempts    int
	Err         error
}

// Adapter publishes rendered content to one destination.
type Adapter interface {
	// Publish posts the content and returns the destination's reference
	// for it. Errors wrap ErrPublishRetryable, ErrPublishPermanent, or
	// ErrContentTooLong.
	Publish(ctx context.Context, content string) (string, error)

	// Ping verifies credentials and reachability.
	Ping(ctx context.Context) error
}

// Renderer renders a candidate for a destination. Compact is the shortened
// fallback used after a too-long rejection.
type Renderer interface {
	Render(c *activity.Candidate, dest activity.Destination) (string, error)
	Compact(c *activity.Candidate, dest activity.Destination) (string, error)
}

// Coordinator fans out one candidate per call.
type Coordinator struct {
	store    *activity.Store
	renderer Renderer
	adapters map[activity.Destination]Adapter
	logger   *zap.SugaredLogger

	// backoff returns the delay before attempt n+1; injectable for tests.
	backoff func(attempt int) time.Duration
	now     func() time.Time
}

func NewCoordinator(store *activity.Store, renderer Renderer, adapters map[activity.Destination]Adapter, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		store:    store,
		renderer: renderer,
		adapters: adapters,
		logger:   logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(2*(attempt-1))) * time.Second
		},
		now: time.Now,
	}
}

// SetBackoff overrides the inter-attempt delay for testing.
func (c *Coordinator) SetBackoff(backoff func(attempt int) time.Duration) {
	c.backoff = backoff
}

// SetClock overrides the timestamp source for testing.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// log returns the coordinator logger enriched with correlation fields from
// the context (cycle ID when the scheduler started this fan-out).
func (c *Coordinator) log(ctx context.Context) *zap.SugaredLogger {
	if c.logger == nil {
		return zap.NewNop().Sugar()
	}
	if fields := logger.FieldsFromContext(ctx); len(fields) > 0 {
		return c.logger.With(fields...)
	}
	return c.logger
}

// Publish sends the candidate to every destination concurrently and returns
// a result per destination. Failures are carried in the results; the error
// return is reserved for store faults that invalidate the whole fan-out.
func (c *Coordinator) Publish(ctx context.Context, candidate *activity.Candidate, destinations []activity.Destination) map[activity.Destination]Result {
	results := make(map[activity.Destination]Result, len(destinations))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, dest := range destinations {
		wg.Add(1)
		go func(dest activity.Destination) {
			defer wg.Done()
			result := c.publishOne(ctx, candidate, dest)
			mu.Lock()
			results[dest] = result
			mu.Unlock()
		}(dest)
	}
	wg.Wait()

	return results
}

func (c *Coordinator) publishOne(ctx context.Context, candidate *activity.Candidate, dest activity.Destination) (result Result) {
	var post *activity.Post

	// Panic recovery: an adapter bug on one destination must not take down
	// the siblings' attempts. The panic becomes a permanent failure so the
	// cycle records it and moves on.
	defer func() {
		if r := recover(); r != nil {
			err := errors.NewPermanentError("publish panicked: %v", r)
			c.log(ctx).Errorw("Panic while publishing",
				"destination", dest,
				"panic", r,
			)
			if post != nil {
				if serr := c.store.MarkPostFailed(context.WithoutCancel(ctx), post.ID, activity.PostFailedPermanent, post.AttemptCount, c.now(), err.Error()); serr != nil {
					c.log(ctx).Warnw("Failed to record publish failure", "post_id", post.ID, "error", serr)
				}
			}
			result = Result{Status: StatusFailedPermanent, Err: err}
		}
	}()

	signature := candidate.Signature()

	done, err := c.store.HasSucceededPost(ctx, signature, dest)
	if err != nil {
		return Result{Status: StatusFailedRetryable, Err: err}
	}
	if done {
		c.log(ctx).Debugw("Skipping already-published candidate",
			"destination", dest,
			"signature", signature,
		)
		return Result{Status: StatusAlreadySucceeded}
	}

	adapter, ok := c.adapters[dest]
	if !ok {
		return Result{Status: StatusFailedPermanent,
			Err: errors.NewPermanentError("no adapter for destination %s", dest)}
	}

	content, err := c.renderer.Render(candidate, dest)
	if err != nil {
		return Result{Status: StatusFailedPermanent,
			Err: errors.WrapPermanent(err, "render content")}
	}

	post = &activity.Post{
		ID:          uuid.NewString(),
		ActivityIDs: activityIDs(candidate),
		Signature:   signature,
		Destination: dest,
		CycleType:   candidate.CycleType,
		Content:     clip(content, contentAuditLimit),
		CreatedAt:   c.now(),
	}
	if err := c.store.CreatePost(ctx, post); err != nil {
		return Result{Status: StatusFailedRetryable, Err: err}
	}

	return c.attempt(ctx, adapter, post, candidate, dest, content)
}

func (c *Coordinator) attempt(ctx context.Context, adapter Adapter, post *activity.Post, candidate *activity.Candidate, dest activity.Destination, content string) Result {
	compacted := false

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return c.cancelled(post, attempt-1, ctx.Err())
			case <-sleepCh(c.backoff(attempt - 1)):
			}
		}
		if ctx.Err() != nil {
			return c.cancelled(post, attempt-1, ctx.Err())
		}

		ref, err := adapter.Publish(ctx, content)
		if err == nil {
			if serr := c.store.MarkPostSucceeded(context.WithoutCancel(ctx), post.ID, attempt, c.now(), ref); serr != nil {
				return Result{Status: StatusFailedRetryable, Attempts: attempt, Err: serr}
			}
			c.log(ctx).Infow("Published candidate",
				"destination", dest,
				"external_ref", ref,
				"attempts", attempt,
			)
			return Result{Status: StatusSucceeded, ExternalRef: ref, Attempts: attempt}
		}
		lastErr = err

		c.recordAttempt(ctx, post.ID, attempt, err)

		switch {
		case errors.IsContentTooLongError(err):
			if compacted {
				return c.failed(ctx, post, activity.PostFailedPermanent, attempt,
					errors.WrapPermanent(err, "compact rendering still too long"))
			}
			compact, cerr := c.renderer.Compact(candidate, dest)
			if cerr != nil {
				return c.failed(ctx, post, activity.PostFailedPermanent, attempt,
					errors.WrapPermanent(cerr, "compact render"))
			}
			content = compact
			compacted = true
		case errors.IsPublishPermanentError(err):
			return c.failed(ctx, post, activity.PostFailedPermanent, attempt, err)
		case ctx.Err() != nil:
			return c.cancelled(post, attempt, ctx.Err())
		}
		// Retryable: loop.
	}

	if errors.IsContentTooLongError(lastErr) {
		return c.failed(ctx, post, activity.PostFailedPermanent, MaxAttempts,
			errors.WrapPermanent(lastErr, "no attempts left for compact rendering"))
	}
	return c.failed(ctx, post, activity.PostFailedRetryable, MaxAttempts, lastErr)
}

func (c *Coordinator) recordAttempt(ctx context.Context, postID string, attempt int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if uerr := c.store.UpdatePostAttempt(context.WithoutCancel(ctx), postID, attempt, c.now(), msg); uerr != nil {
		c.log(ctx).Warnw("Failed to record publish attempt", "post_id", postID, "error", uerr)
	}
}

func (c *Coordinator) failed(ctx context.Context, post *activity.Post, status activity.PostStatus, attempts int, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if serr := c.store.MarkPostFailed(context.WithoutCancel(ctx), post.ID, status, attempts, c.now(), msg); serr != nil {
		c.log(ctx).Warnw("Failed to record publish failure", "post_id", post.ID, "error", serr)
	}
	c.log(ctx).Warnw("Publish failed",
		"destination", post.Destination,
		"status", status,
		"attempts", attempts,
		"error", err,
	)

	resultStatus := StatusFailedRetryable
	if status == activity.PostFailedPermanent {
		resultStatus = StatusFailedPermanent
	}
	return Result{Status: resultStatus, Attempts: attempts, Err: err}
}

func (c *Coordinator) cancelled(post *activity.Post, attempts int, cause error) Result {
	msg := fmt.Sprintf("cancelled: %v", cause)
	if serr := c.store.MarkPostFailed(context.Background(), post.ID, activity.PostFailedRetryable, attempts, c.now(), msg); serr != nil && c.logger != nil {
		c.logger.Warnw("Failed to record cancellation", "post_id", post.ID, "error", serr)
	}
	return Result{Status: StatusFailedRetryable, Attempts: attempts,
		Err: errors.NewRetryableError("%s", msg)}
}

// Ping checks every configured adapter plus the store, for the health
// command.
func (c *Coordinator) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{
		"database": c.store.Ping(ctx),
	}
	for dest, adapter := range c.adapters {
		checks[string(dest)] = adapter.Ping(ctx)
	}
	return checks
}

func activityIDs(c *activity.Candidate) []string {
	ids := make([]string, 0, len(c.Activities))
	for _, a := range c.Activities {
		ids = append(ids, a.ID)
	}
	return ids
}

func sleepCh(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return time.After(d)
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
