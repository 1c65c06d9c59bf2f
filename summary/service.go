package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
)

const digestItemsPerSection = 5

// Service produces the weekly summary body. It never fails: when the
// Claude client is unconfigured or errors out, it falls back to the
// deterministic digest.
type Service struct {
	client *Client
	logger *zap.SugaredLogger
}

func NewService(client *Client, logger *zap.SugaredLogger) *Service {
	return &Service{client: client, logger: logger}
}

// WeeklySummary returns the markdown body for a weekly blog post covering
// the given activities and window.
func (s *Service) WeeklySummary(ctx context.Context, acts []*activity.Activity, start, end time.Time) string {
	if len(acts) == 0 {
		return emptyWeek(start, end)
	}

	if !s.client.IsConfigured() {
		return Digest(acts, start, end)
	}

	body, err := s.client.Complete(ctx, weeklyPrompt(acts, start, end))
	if err != nil || strings.TrimSpace(body) == "" {
		if s.logger != nil {
			s.logger.Warnw("Weekly summary generation failed, using digest fallback",
				"error", err,
				"activities", len(acts),
			)
		}
		return Digest(acts, start, end)
	}
	return body
}

func weeklyPrompt(acts []*activity.Activity, start, end time.Time) string {
	var lines []string
	for _, a := range acts {
		fields := []string{
			fmt.Sprintf("Type: %s", a.Kind),
			fmt.Sprintf("Title: %s", a.Payload.Title),
		}
		if a.Payload.Summary != "" {
			fields = append(fields, fmt.Sprintf("Content: %s", clip(a.Payload.Summary, 200)))
		}
		if a.Payload.Actor != "" {
			fields = append(fields, fmt.Sprintf("Author: %s", a.Payload.Actor))
		}
		fields = append(fields, fmt.Sprintf("Date: %s", a.OccurredAt.Format("2006-01-02 15:04")))
		if a.Payload.Link != "" {
			fields = append(fields, fmt.Sprintf("URL: %s", a.Payload.Link))
		}
		lines = append(lines, strings.Join(fields, " | "))
	}

	return fmt.Sprintf(`You are writing a weekly summary blog post for Mwmbl, an open-source search engine project.

Please create an engaging blog post summarizing the week's activities from %s to %s.

Here are the activities from this week:

%s

Please write a blog post that:
1. Has an engaging title
2. Provides a brief introduction to the week
3. Groups similar activities together logically
4. Highlights the most important developments
5. Uses a friendly, community-focused tone
6. Includes relevant emojis where appropriate
7. Ends with a forward-looking statement or call to action
8. Is formatted in markdown

Focus on:
- New releases and major features
- Community growth and engagement
- Development progress
- Statistical milestones
- Any significant issues resolved

Keep the tone professional but approachable, suitable for both technical and non-technical readers interested in the Mwmbl project.`,
		start.Format("January 2"), end.Format("January 2, 2006"), strings.Join(lines, "\n"))
}

// digestSections fixes the order and headings of the fallback digest.
var digestSections = []struct {
	kind  activity.Kind
	title string
}{
	{activity.KindRepoRelease, "🚀 Releases"},
	{activity.KindStatsSnapshot, "📊 Statistics"},
	{activity.KindChatMessage, "💬 Community Updates"},
	{activity.KindRepoPullRequest, "🔀 Pull Requests"},
	{activity.KindRepoIssue, "🐛 Issues"},
	{activity.KindRepoCommit, "📝 Development Activity"},
}

// Digest is the deterministic fallback: activities grouped by kind in a
// fixed section order, a handful of items per section.
func Digest(acts []*activity.Activity, start, end time.Time) string {
	grouped := make(map[activity.Kind][]*activity.Activity)
	for _, a := range acts {
		grouped[a.Kind] = append(grouped[a.Kind], a)
	}

	parts := []string{
		fmt.Sprintf("# Weekly Update: %s - %s",
			start.Format("January 2"), end.Format("January 2, 2006")),
		"",
		fmt.Sprintf("This week we had %d activities across the Mwmbl project:", len(acts)),
		"",
	}

	for _, section := range digestSections {
		group := grouped[section.kind]
		if len(group) == 0 {
			continue
		}

		parts = append(parts, fmt.Sprintf("## %s", section.title), "")
		for i, a := range group {
			if i == digestItemsPerSection {
				break
			}
			parts = append(parts, fmt.Sprintf("- %s", a.Payload.Title))
			if a.Payload.Link != "" {
				parts = append(parts, fmt.Sprintf("  - [View details](%s)", a.Payload.Link))
			}
		}
		if len(group) > digestItemsPerSection {
			parts = append(parts, fmt.Sprintf("- …and %d more", len(group)-digestItemsPerSection))
		}
		parts = append(parts, "")
	}

	parts = append(parts,
		"---",
		"",
		"*Want to get involved? Check out our [GitHub repositories](https://github.com/mwmbl) or join our [Matrix community](https://matrix.to/#/#mwmbl:matrix.org)!*",
	)
	return strings.Join(parts, "\n")
}

func emptyWeek(start, end time.Time) string {
	return fmt.Sprintf(`# Weekly Update: %s - %s

This week was relatively quiet on the development front, but that doesn't mean progress has stopped!

Sometimes the most important work happens behind the scenes - planning, research, and preparation for future features. The Mwmbl team continues to work on improving the search engine and building our community.

## What's Next?

Stay tuned for upcoming developments and consider contributing to the project if you're interested in open-source search technology.

---

*Want to get involved? Check out our [GitHub repositories](https://github.com/mwmbl) or join our [Matrix community](https://matrix.to/#/#mwmbl:matrix.org)!*`,
		start.Format("January 2"), end.Format("January 2, 2006"))
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
