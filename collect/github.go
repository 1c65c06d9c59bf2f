package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/internal/httpclient"
)

const commitFetchLimit = 10

// GitHubConfig holds the repository source settings.
type GitHubConfig struct {
	Org               string
	Token             string  // optional; raises the rate limit
	BaseURL           string  // default https://api.github.com
	RequestsPerSecond float64 // default 2
}

// GitHub collects pull requests, issues, releases, and default-branch
// commits across an organization's repositories.
type GitHub struct {
	cfg     GitHubConfig
	client  *httpclient.SaferClient
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

func NewGitHub(cfg GitHubConfig, logger *zap.SugaredLogger) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 2
	}
	return &GitHub{
		cfg:     cfg,
		client:  httpclient.NewSaferClient(30 * time.Second),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

func (g *GitHub) Name() string { return "github" }

// SetHTTPClient allows overriding the HTTP client for testing
func (g *GitHub) SetHTTPClient(client *httpclient.SaferClient) {
	g.client = client
}

type ghRepo struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Archived      bool   `json:"archived"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghPull struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	HTMLURL   string     `json:"html_url"`
	User      ghUser     `json:"user"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

type ghIssue struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	HTMLURL     string     `json:"html_url"`
	User        ghUser     `json:"user"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at"`
	Labels      []ghLabel  `json:"labels"`
	PullRequest *struct{}  `json:"pull_request,omitempty"`
}

type ghRelease struct {
	ID          int64     `json:"id"`
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Author      ghUser    `json:"author"`
}

type ghCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Files []struct {
		Filename string `json:"filename"`
	} `json:"files"`
}

// Collect walks every repository in the organization and emits activity
// newer than since.
func (g *GitHub) Collect(ctx context.Context, since time.Time) ([]activity.Raw, error) {
	if g.cfg.Org == "" {
		return nil, errors.New("github source not configured")
	}

	var repos []ghRepo
	if err := g.getJSON(ctx, fmt.Sprintf("/orgs/%s/repos?per_page=100", g.cfg.Org), &repos); err != nil {
		return nil, errors.Wrap(err, "list org repos")
	}

	var raws []activity.Raw
	for _, repo := range repos {
		if repo.Archived {
			continue
		}

		prs, err := g.collectPulls(ctx, repo.Name, since)
		if err != nil {
			return nil, errors.Wrapf(err, "collect pulls for %s", repo.Name)
		}
		raws = append(raws, prs...)

		issues, err := g.collectIssues(ctx, repo.Name, since)
		if err != nil {
			return nil, errors.Wrapf(err, "collect issues for %s", repo.Name)
		}
		raws = append(raws, issues...)

		releases, err := g.collectReleases(ctx, repo.Name, since)
		if err != nil {
			return nil, errors.Wrapf(err, "collect releases for %s", repo.Name)
		}
		raws = append(raws, releases...)

		commits, err := g.collectCommits(ctx, repo, since)
		if err != nil {
			return nil, errors.Wrapf(err, "collect commits for %s", repo.Name)
		}
		raws = append(raws, commits...)
	}

	if g.logger != nil {
		g.logger.Debugw("Collected GitHub activity",
			"org", g.cfg.Org,
			"repos", len(repos),
			"raws", len(raws),
		)
	}
	return raws, nil
}

func (g *GitHub) collectPulls(ctx context.Context, repo string, since time.Time) ([]activity.Raw, error) {
	var pulls []ghPull
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=all&sort=updated&direction=desc&per_page=100",
		g.cfg.Org, repo)
	if err := g.getJSON(ctx, path, &pulls); err != nil {
		return nil, err
	}

	var raws []activity.Raw
	for _, pr := range pulls {
		if !pr.UpdatedAt.After(since) {
			break // sorted by updated desc
		}

		// Line counts only appear on the single-PR endpoint.
		var detail ghPull
		detailPath := fmt.Sprintf("/repos/%s/%s/pulls/%d", g.cfg.Org, repo, pr.Number)
		if err := g.getJSON(ctx, detailPath, &detail); err != nil {
			return nil, err
		}

		numbers := map[string]float64{
			"additions": float64(detail.Additions),
			"deletions": float64(detail.Deletions),
		}
		if detail.MergedAt != nil {
			numbers["merged"] = 1
		}

		raws = append(raws, activity.Raw{
			Source:     activity.SourceRepository,
			Kind:       activity.KindRepoPullRequest,
			NativeID:   fmt.Sprintf("pr_%s_%d", repo, pr.Number),
			OccurredAt: pr.UpdatedAt.UTC(),
			Payload: activity.Payload{
				Actor:   pr.User.Login,
				Title:   fmt.Sprintf("PR #%d: %s", pr.Number, pr.Title),
				Summary: pr.Body,
				Link:    pr.HTMLURL,
				Numbers: numbers,
			},
		})
	}
	return raws, nil
}

func (g *GitHub) collectIssues(ctx context.Context, repo string, since time.Time) ([]activity.Raw, error) {
	var issues []ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues?state=all&sort=updated&direction=desc&per_page=100",
		g.cfg.Org, repo)
	if err := g.getJSON(ctx, path, &issues); err != nil {
		return nil, err
	}

	var raws []activity.Raw
	for _, issue := range issues {
		if !issue.UpdatedAt.After(since) {
			break
		}
		if issue.PullRequest != nil {
			// The issues endpoint shadows every PR.
			continue
		}

		numbers := map[string]float64{}
		if issue.ClosedAt != nil {
			numbers["closed"] = 1
		}
		for _, label := range issue.Labels {
			switch strings.ToLower(label.Name) {
			case "bug":
				numbers["label_bug"] = 1
			case "enhancement":
				numbers["label_enhancement"] = 1
			case "feature":
				numbers["label_feature"] = 1
			}
		}

		raws = append(raws, activity.Raw{
			Source:     activity.SourceRepository,
			Kind:       activity.KindRepoIssue,
			NativeID:   fmt.Sprintf("issue_%s_%d", repo, issue.Number),
			OccurredAt: issue.UpdatedAt.UTC(),
			Payload: activity.Payload{
				Actor:   issue.User.Login,
				Title:   fmt.Sprintf("Issue #%d: %s", issue.Number, issue.Title),
				Summary: issue.Body,
				Link:    issue.HTMLURL,
				Numbers: numbers,
			},
		})
	}
	return raws, nil
}

func (g *GitHub) collectReleases(ctx context.Context, repo string, since time.Time) ([]activity.Raw, error) {
	var releases []ghRelease
	path := fmt.Sprintf("/repos/%s/%s/releases?per_page=20", g.cfg.Org, repo)
	if err := g.getJSON(ctx, path, &releases); err != nil {
		return nil, err
	}

	var raws []activity.Raw
	for _, rel := range releases {
		if !rel.PublishedAt.After(since) {
			continue
		}

		numbers := map[string]float64{}
		if rel.Draft {
			numbers["draft"] = 1
		}
		if rel.Prerelease {
			numbers["prerelease"] = 1
		}

		name := rel.Name
		if name == "" {
			name = rel.TagName
		}
		raws = append(raws, activity.Raw{
			Source:     activity.SourceRepository,
			Kind:       activity.KindRepoRelease,
			NativeID:   fmt.Sprintf("release_%s_%d", repo, rel.ID),
			OccurredAt: rel.PublishedAt.UTC(),
			Payload: activity.Payload{
				Actor:   rel.Author.Login,
				Title:   fmt.Sprintf("Release %s: %s", rel.TagName, name),
				Summary: rel.Body,
				Link:    rel.HTMLURL,
				Numbers: numbers,
			},
		})
	}
	return raws, nil
}

func (g *GitHub) collectCommits(ctx context.Context, repo ghRepo, since time.Time) ([]activity.Raw, error) {
	var commits []ghCommit
	path := fmt.Sprintf("/repos/%s/%s/commits?sha=%s&since=%s&per_page=%d",
		g.cfg.Org, repo.Name, repo.DefaultBranch,
		since.UTC().Format(time.RFC3339), commitFetchLimit)
	if err := g.getJSON(ctx, path, &commits); err != nil {
		return nil, err
	}
	if len(commits) > commitFetchLimit {
		commits = commits[:commitFetchLimit]
	}

	var raws []activity.Raw
	for _, commit := range commits {
		occurred := commit.Commit.Author.Date
		if !occurred.After(since) {
			continue
		}

		// File counts only appear on the single-commit endpoint.
		var detail ghCommit
		detailPath := fmt.Sprintf("/repos/%s/%s/commits/%s", g.cfg.Org, repo.Name, commit.SHA)
		if err := g.getJSON(ctx, detailPath, &detail); err != nil {
			return nil, err
		}

		raws = append(raws, activity.Raw{
			Source:     activity.SourceRepository,
			Kind:       activity.KindRepoCommit,
			NativeID:   fmt.Sprintf("commit_%s_%s", repo.Name, commit.SHA),
			OccurredAt: occurred.UTC(),
			Payload: activity.Payload{
				Actor:   commit.Commit.Author.Name,
				Title:   fmt.Sprintf("Commit: %s", commitSubject(commit.Commit.Message)),
				Summary: commit.Commit.Message,
				Link:    commit.HTMLURL,
				Numbers: map[string]float64{
					"files_changed":  float64(len(detail.Files)),
					"default_branch": 1,
				},
			},
		})
	}
	return raws, nil
}

func commitSubject(message string) string {
	subject := message
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	subject = strings.TrimSpace(subject)
	if len(subject) > 100 {
		subject = subject[:100]
	}
	return subject
}

// getJSON performs a rate-limited GET against the API and decodes the body.
func (g *GitHub) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", g.cfg.BaseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errors.Newf("GET %s returned %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
