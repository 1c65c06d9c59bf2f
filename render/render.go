// Package render turns candidates into destination-ready text: short posts
// for the microblogs, a Jekyll document for the blog, and the weekly
// announcement teaser.
package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
)

// Per-destination character limits in runes. Zero means unlimited.
const (
	MicroblogALimit = 300
	MicroblogBLimit = 500
)

// Limit returns the rune limit for a destination, 0 for unlimited.
func Limit(dest activity.Destination) int {
	switch dest {
	case activity.DestMicroblogA:
		return MicroblogALimit
	case activity.DestMicroblogB:
		return MicroblogBLimit
	}
	return 0
}

// Config carries the rendering knobs that come from the config file.
type Config struct {
	BlogURL string // public URL of the blog, used in announcement teasers
	Author  string // front-matter author for blog posts
}

// Renderer renders candidates per destination.
type Renderer struct {
	cfg Config
}

func New(cfg Config) *Renderer {
	return &Renderer{cfg: cfg}
}

// Render produces the full rendering for a candidate and destination. It
// never truncates; the destination adapter enforces the limit and the
// coordinator falls back to Compact when the content is too long.
func (r *Renderer) Render(c *activity.Candidate, dest activity.Destination) (string, error) {
	if c.Announcement {
		return r.announcement(c), nil
	}
	if c.CycleType == activity.CycleWeekly {
		if dest != activity.DestBlog {
			return "", errors.Newf("weekly digest renders only for the blog, got %s", dest)
		}
		return r.blogPost(c)
	}
	return r.dailyPost(c, dest, maxHashtags(dest))
}

// Compact is the shortened fallback: hashtags dropped and the text
// hard-truncated at a word boundary to the destination limit.
func (r *Renderer) Compact(c *activity.Candidate, dest activity.Destination) (string, error) {
	limit := Limit(dest)

	if c.Announcement {
		title := weeklyTitle(c)
		body := fmt.Sprintf("📊 %s\nRead more: %s", title, r.cfg.BlogURL)
		return truncate(body, limit), nil
	}
	if c.CycleType == activity.CycleWeekly {
		return r.Render(c, dest)
	}

	content, err := r.dailyPost(c, dest, 0)
	if err != nil {
		return "", err
	}
	return truncate(content, limit), nil
}

func (r *Renderer) dailyPost(c *activity.Candidate, dest activity.Destination, hashtagCap int) (string, error) {
	if len(c.Activities) != 1 {
		return "", errors.Newf("daily candidate must hold exactly one activity, got %d", len(c.Activities))
	}
	a := c.Activities[0]

	var b strings.Builder
	b.WriteString(kindEmoji(a.Kind))
	b.WriteString(" ")
	b.WriteString(CleanTitle(a.Payload.Title))

	if a.Payload.Link != "" {
		b.WriteString("\n🔗 ")
		b.WriteString(a.Payload.Link)
	}

	if tags := hashtags(a.Kind, hashtagCap); len(tags) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(tags, " "))
	}
	return b.String(), nil
}

// frontMatter is the Jekyll header of a weekly blog post.
type frontMatter struct {
	Layout     string   `yaml:"layout"`
	Title      string   `yaml:"title"`
	Date       string   `yaml:"date"`
	Categories []string `yaml:"categories"`
	Tags       []string `yaml:"tags"`
	Author     string   `yaml:"author,omitempty"`
}

func (r *Renderer) blogPost(c *activity.Candidate) (string, error) {
	title, body := splitTitle(c)

	fm := frontMatter{
		Layout:     "post",
		Title:      title,
		Date:       c.WeekEnd.Format("2006-01-02 15:04:05 -0700"),
		Categories: []string{"weekly-update"},
		Tags:       []string{"mwmbl", "development", "community", "stats"},
		Author:     r.cfg.Author,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return "", errors.Wrap(err, "marshal front matter")
	}

	return "---\n" + string(header) + "---\n\n" + body, nil
}

func (r *Renderer) announcement(c *activity.Candidate) string {
	title := weeklyTitle(c)
	lines := []string{
		fmt.Sprintf("📊 %s", title),
		"",
		"This week in #mwmbl:",
		"• Development updates",
		"• Community activity",
		"• Statistics & progress",
		"",
		"Read the full update on our blog! 👇",
		r.cfg.BlogURL,
		"",
		"#opensource #searchengine #community",
	}
	return strings.Join(lines, "\n")
}

// splitTitle lifts a leading markdown heading out of the digest body so it
// can live in the front matter instead.
func splitTitle(c *activity.Candidate) (title, body string) {
	lines := strings.Split(c.Body, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#") {
		title = strings.TrimSpace(strings.TrimLeft(lines[0], "#"))
		body = strings.TrimSpace(strings.Join(lines[1:], "\n"))
		return title, body
	}
	return weeklyTitle(c), strings.TrimSpace(c.Body)
}

func weeklyTitle(c *activity.Candidate) string {
	return fmt.Sprintf("Weekly Update: %s - %s",
		c.WeekStart.Format("2006-01-02"), c.WeekEnd.Format("2006-01-02"))
}

func kindEmoji(k activity.Kind) string {
	switch k {
	case activity.KindChatMessage:
		return "💬"
	case activity.KindRepoPullRequest:
		return "🔀"
	case activity.KindRepoIssue:
		return "🐛"
	case activity.KindRepoCommit:
		return "📝"
	case activity.KindRepoRelease:
		return "🚀"
	case activity.KindStatsSnapshot:
		return "📊"
	}
	return "📢"
}

func maxHashtags(dest activity.Destination) int {
	switch dest {
	case activity.DestMicroblogA:
		return 2
	case activity.DestMicroblogB:
		return 5
	}
	return 0
}

func hashtags(k activity.Kind, max int) []string {
	if max <= 0 {
		return nil
	}
	tags := []string{"#mwmbl"}
	switch k {
	case activity.KindChatMessage:
		tags = append(tags, "#community")
	case activity.KindRepoPullRequest:
		tags = append(tags, "#development", "#pullrequest")
	case activity.KindRepoIssue:
		tags = append(tags, "#development", "#issue")
	case activity.KindRepoCommit:
		tags = append(tags, "#development", "#commit")
	case activity.KindRepoRelease:
		tags = append(tags, "#release", "#update")
	case activity.KindStatsSnapshot:
		tags = append(tags, "#stats", "#data")
	}
	tags = append(tags, "#searchengine", "#opensource")
	if len(tags) > max {
		tags = tags[:max]
	}
	return tags
}

var markdownMarkers = strings.NewReplacer("*", "", "_", "", "`", "")

// CleanTitle normalizes whitespace, strips markdown emphasis markers, and
// drops the source prefixes the collectors add for storage.
func CleanTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	title = markdownMarkers.Replace(title)
	for _, prefix := range []string{"PR #", "Issue #", "Commit:"} {
		if !strings.HasPrefix(title, prefix) {
			continue
		}
		if prefix == "Commit:" {
			title = strings.TrimSpace(strings.TrimPrefix(title, prefix))
			break
		}
		// "PR #12: title" / "Issue #7: title"
		if idx := strings.Index(title, ":"); idx >= 0 {
			title = strings.TrimSpace(title[idx+1:])
		}
		break
	}
	return title
}

// truncate cuts content to limit runes, preferring the last word boundary
// when that keeps most of the text, and appends an ellipsis.
func truncate(content string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content
	}

	runes := []rune(content)
	cut := runes[:limit-1]
	if idx := lastSpace(cut); idx > (limit*8)/10 {
		cut = cut[:idx]
	}
	return strings.TrimRight(string(cut), " \n") + "…"
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}
