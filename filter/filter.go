// Package filter classifies admitted activities as newsworthy or not, using
// per-kind heuristics with configurable thresholds. Classification is
// deterministic and idempotent; the only side effect is the single
// newsworthy flag write.
package filter

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
)

// Config holds the newsworthiness thresholds.
type Config struct {
	ChatMinLength          int      // chat messages shorter than this are noise
	NoisePatterns          []string // regexes; matching chat messages are noise
	PRMinChange            int      // merged PRs need more changed lines than this
	CommitMinFiles         int      // commits need more changed files than this
	IncludePrereleases     bool     // count prerelease tags as releases
	StatsRelativeThreshold float64  // tracked metric must move by more than this fraction
}

// DefaultConfig mirrors the thresholds the system shipped with.
func DefaultConfig() Config {
	return Config{
		ChatMinLength:          24,
		PRMinChange:            10,
		CommitMinFiles:         3,
		StatsRelativeThreshold: 0.05,
	}
}

// announcementKeywords make a chat message newsworthy regardless of length.
var announcementKeywords = []string{
	"new member",
	"welcome",
	"release",
	"update",
	"announcement",
	"important",
	"breaking",
	"feature",
	"bug fix",
	"milestone",
	"version",
	"launch",
	"deployed",
}

// Filter applies the classification rules.
type Filter struct {
	store  *activity.Store
	cfg    Config
	noise  []*regexp.Regexp
	logger *zap.SugaredLogger
}

// New compiles the configured noise patterns and returns a filter. A pattern
// that does not compile is a configuration error.
func New(store *activity.Store, cfg Config, logger *zap.SugaredLogger) (*Filter, error) {
	noise := make([]*regexp.Regexp, 0, len(cfg.NoisePatterns))
	for _, pattern := range cfg.NoisePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compile noise pattern %q", pattern)
		}
		noise = append(noise, re)
	}
	return &Filter{store: store, cfg: cfg, noise: noise, logger: logger}, nil
}

// Classify evaluates the rules for one activity and persists the verdict.
// Rule failures wrap ErrClassification and leave the activity unclassified.
func (f *Filter) Classify(ctx context.Context, a *activity.Activity) (bool, error) {
	newsworthy, err := f.evaluate(ctx, a)
	if err != nil {
		return false, errors.Wrapf(errors.Wrap(errors.ErrClassification, err.Error()),
			"classify activity %s", a.ID)
	}

	if err := f.store.SetNewsworthy(ctx, a.ID, newsworthy); err != nil {
		return false, err
	}
	v := newsworthy
	a.Newsworthy = &v
	return newsworthy, nil
}

// ClassifyPending sweeps unclassified activities, isolating per-activity
// rule failures: a rule error leaves that activity unset and the sweep
// continues. Returns how many were classified and how many failed.
func (f *Filter) ClassifyPending(ctx context.Context, limit int) (classified, failed int, err error) {
	pending, err := f.store.ListUnclassified(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, a := range pending {
		if _, cerr := f.Classify(ctx, a); cerr != nil {
			if errors.IsStoreUnavailableError(cerr) {
				return classified, failed, cerr
			}
			failed++
			if f.logger != nil {
				f.logger.Warnw("Classification rule failed",
					"activity_id", a.ID,
					"kind", a.Kind,
					"error", cerr,
				)
			}
			continue
		}
		classified++
	}
	return classified, failed, nil
}

// Reclassify re-runs the rules over already-classified activities, for use
// after rule or threshold changes. Activities already consumed by a
// succeeded post keep their verdict.
func (f *Filter) Reclassify(ctx context.Context, limit int) (changed int, err error) {
	classified, err := f.store.ListClassified(ctx, limit)
	if err != nil {
		return 0, err
	}

	for _, a := range classified {
		consumed, err := f.store.HasSucceededPostForActivity(ctx, a.ID)
		if err != nil {
			return changed, err
		}
		if consumed {
			continue
		}

		verdict, err := f.evaluate(ctx, a)
		if err != nil {
			continue // rule failure leaves the previous verdict in place
		}
		if a.Newsworthy != nil && *a.Newsworthy == verdict {
			continue
		}
		if err := f.store.SetNewsworthy(ctx, a.ID, verdict); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func (f *Filter) evaluate(ctx context.Context, a *activity.Activity) (bool, error) {
	switch a.Kind {
	case activity.KindChatMessage:
		return f.classifyChat(a), nil
	case activity.KindRepoPullRequest:
		return f.classifyPullRequest(a), nil
	case activity.KindRepoIssue:
		return f.classifyIssue(a), nil
	case activity.KindRepoCommit:
		return f.classifyCommit(a), nil
	case activity.KindRepoRelease:
		return f.classifyRelease(a)
	case activity.KindStatsSnapshot:
		return f.classifyStats(ctx, a)
	}
	return false, errors.Newf("unknown activity kind %q", a.Kind)
}

func (f *Filter) classifyChat(a *activity.Activity) bool {
	text := a.Payload.Summary
	if text == "" {
		text = a.Payload.Title
	}

	if utf8.RuneCountInString(text) < f.cfg.ChatMinLength {
		return false
	}
	for _, re := range f.noise {
		if re.MatchString(text) {
			return false
		}
	}

	lower := strings.ToLower(text)
	for _, keyword := range announcementKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func (f *Filter) classifyPullRequest(a *activity.Activity) bool {
	n := a.Payload.Numbers
	merged := n["merged"] == 1
	change := int(n["additions"] + n["deletions"])
	return merged && change > f.cfg.PRMinChange
}

func (f *Filter) classifyIssue(a *activity.Activity) bool {
	n := a.Payload.Numbers
	if n["closed"] == 1 {
		return true
	}
	return n["label_bug"] == 1 || n["label_enhancement"] == 1 || n["label_feature"] == 1
}

func (f *Filter) classifyCommit(a *activity.Activity) bool {
	n := a.Payload.Numbers
	if n["default_branch"] != 1 {
		return false
	}
	return int(n["files_changed"]) > f.cfg.CommitMinFiles
}

func (f *Filter) classifyRelease(a *activity.Activity) (bool, error) {
	n := a.Payload.Numbers
	if n["draft"] == 1 {
		return false, nil
	}
	if f.cfg.IncludePrereleases {
		return true, nil
	}
	if n["prerelease"] == 1 {
		return false, nil
	}

	// The release flag from the source can miss prerelease tags published as
	// full releases; check the tag itself. Unparseable tags count as releases.
	tag := releaseTag(a.Payload.Title)
	if tag == "" {
		return true, nil
	}
	version, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
	if err != nil {
		return true, nil
	}
	return version.Prerelease() == "", nil
}

// releaseTag pulls the tag out of a "Release {tag}: {name}" title.
func releaseTag(title string) string {
	fields := strings.Fields(title)
	if len(fields) < 2 || fields[0] != "Release" {
		return ""
	}
	return strings.TrimSuffix(fields[1], ":")
}

func (f *Filter) classifyStats(ctx context.Context, a *activity.Activity) (bool, error) {
	baseline, err := f.store.LatestNewsworthyNumbers(ctx, activity.KindStatsSnapshot)
	if err != nil {
		if errors.IsNotFoundError(err) {
			// First snapshot ever observed establishes the baseline.
			return true, nil
		}
		return false, err
	}

	for metric, current := range a.Payload.Numbers {
		previous, ok := baseline[metric]
		if !ok {
			if current != 0 {
				return true, nil
			}
			continue
		}
		if previous == 0 {
			if current != 0 {
				return true, nil
			}
			continue
		}
		change := (current - previous) / previous
		if change < 0 {
			change = -change
		}
		if change > f.cfg.StatsRelativeThreshold {
			return true, nil
		}
	}
	return false, nil
}
