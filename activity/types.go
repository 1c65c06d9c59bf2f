// Package activity defines the shared vocabulary of the posting system —
// sources, kinds, destinations, cycle types — and the SQLite-backed store
// that owns every persisted row.
package activity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Source identifies where an activity was observed.
type Source string

const (
	SourceChat       Source = "chat"
	SourceRepository Source = "repository"
	SourceStatistics Source = "statistics"
)

// Kind is the finer-grained event type within a source. Every Kind maps to
// exactly one Source.
type Kind string

const (
	KindChatMessage     Kind = "chat_message"
	KindRepoCommit      Kind = "repo_commit"
	KindRepoPullRequest Kind = "repo_pull_request"
	KindRepoIssue       Kind = "repo_issue"
	KindRepoRelease     Kind = "repo_release"
	KindStatsSnapshot   Kind = "stats_snapshot"
)

// Source returns the Source a Kind belongs to.
func (k Kind) Source() Source {
	switch k {
	case KindChatMessage:
		return SourceChat
	case KindRepoCommit, KindRepoPullRequest, KindRepoIssue, KindRepoRelease:
		return SourceRepository
	case KindStatsSnapshot:
		return SourceStatistics
	}
	return ""
}

// Destination identifies an external publishing target.
type Destination string

const (
	DestMicroblogA Destination = "microblog_a"
	DestMicroblogB Destination = "microblog_b"
	DestBlog       Destination = "blog"
)

// CycleType is the cadence a publish cycle runs at.
type CycleType string

const (
	CycleDaily  CycleType = "daily"
	CycleWeekly CycleType = "weekly"
)

// Destinations returns the destination set a cycle type publishes to.
func (c CycleType) Destinations() []Destination {
	switch c {
	case CycleDaily:
		return []Destination{DestMicroblogA, DestMicroblogB}
	case CycleWeekly:
		return []Destination{DestBlog}
	}
	return nil
}

// PostStatus is the lifecycle state of a publish attempt.
type PostStatus string

const (
	PostPending         PostStatus = "pending"
	PostSucceeded       PostStatus = "succeeded"
	PostFailedRetryable PostStatus = "failed_retryable"
	PostFailedPermanent PostStatus = "failed_permanent"
)

// Terminal reports whether a status ends the post's lifecycle.
func (s PostStatus) Terminal() bool {
	return s == PostSucceeded || s == PostFailedPermanent
}

// Payload carries the normalized fields needed for formatting.
type Payload struct {
	Actor   string
	Title   string
	Summary string
	Link    string
	Numbers map[string]float64
}

// Raw is an activity as yielded by a source adapter, before admission.
type Raw struct {
	Source     Source
	Kind       Kind
	NativeID   string // empty for sources without stable IDs
	OccurredAt time.Time
	Payload    Payload
}

// Activity is a deduplicated, normalized record of an observed source event.
// Immutable after creation except the single newsworthy write.
type Activity struct {
	ID          string
	Source      Source
	Kind        Kind
	NativeID    string
	ContentHash string
	ObservedAt  time.Time
	OccurredAt  time.Time
	Payload     Payload
	Newsworthy  *bool // nil = unclassified
}

// IsNewsworthy reports whether the activity has been classified newsworthy.
func (a *Activity) IsNewsworthy() bool {
	return a.Newsworthy != nil && *a.Newsworthy
}

// Post records one attempted or successful publish of an activity set to a
// destination.
type Post struct {
	ID            string
	ActivityIDs   []string
	Signature     string
	Destination   Destination
	CycleType     CycleType
	Status        PostStatus
	AttemptCount  int
	LastAttemptAt time.Time
	ExternalRef   string
	Content       string
	ErrorMessage  string
	CreatedAt     time.Time
}

// ScheduleState is the scheduler's durable cursor, a singleton row plus one
// cursor per destination.
type ScheduleState struct {
	LastDailyRunAt      time.Time
	LastWeeklyRunAt     time.Time
	PostsPublishedToday int
	Day                 string // local-day stamp YYYY-MM-DD driving the counter reset
	LastPostAt          map[Destination]time.Time
}

// Candidate is a formatted unit of content selected for publishing in a
// given cycle: one activity for daily items, the whole window for weekly
// digests and their announcements.
type Candidate struct {
	CycleType    CycleType
	Activities   []*Activity
	Body         string // weekly aggregate body; empty for daily candidates
	WeekStart    time.Time
	WeekEnd      time.Time
	Announcement bool // weekly teaser for the microblogs, not the digest itself
}

// Signature returns the identity key of the candidate's activity set:
// sha256 over the sorted activity IDs. Together with the destination it is
// the at-most-once publish invariant key.
func (c *Candidate) Signature() string {
	ids := make([]string, 0, len(c.Activities))
	for _, a := range c.Activities {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	if c.Announcement {
		// The announcement is a distinct publishable unit over the same
		// activity set as the digest.
		ids = append(ids, "announcement")
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}
