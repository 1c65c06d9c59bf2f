// Package blog publishes weekly digests as Jekyll posts: a markdown file
// committed to the blog repository and pushed to its remote.
package blog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mwmbl/post/errors"
)

const postsDir = "_posts"

// Config holds the blog repository settings.
type Config struct {
	RepoURL     string // remote to clone from and push to
	RepoPath    string // local working copy
	Token       string // basic-auth token for the remote; empty for local remotes
	AuthorName  string
	AuthorEmail string
}

// Adapter writes rendered blog documents into the repository's _posts
// directory.
type Adapter struct {
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time

	mu sync.Mutex // one git operation at a time on the working copy
}

func New(cfg Config, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{cfg: cfg, logger: logger, now: time.Now}
}

// Publish writes the document as a Jekyll post, commits, and pushes. The
// external reference is the post filename.
func (a *Adapter) Publish(ctx context.Context, content string) (string, error) {
	title, date, err := parseFrontMatter(content)
	if err != nil {
		return "", errors.WrapPermanent(err, "blog document")
	}
	filename := date.Format("2006-01-02") + "-" + slug(title) + ".md"

	a.mu.Lock()
	defer a.mu.Unlock()

	repo, err := a.ensureRepo(ctx)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(a.cfg.RepoPath, postsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WrapRetryable(err, "create posts directory")
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		return "", errors.WrapRetryable(err, "write post file")
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.WrapRetryable(err, "open worktree")
	}
	if _, err := wt.Add(filepath.Join(postsDir, filename)); err != nil {
		return "", errors.WrapRetryable(err, "stage post")
	}

	_, err = wt.Commit("Add post: "+title, &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.cfg.AuthorName,
			Email: a.cfg.AuthorEmail,
			When:  a.now(),
		},
	})
	if err != nil {
		return "", errors.WrapRetryable(err, "commit post")
	}

	if err := repo.PushContext(ctx, &git.PushOptions{Auth: a.auth()}); err != nil &&
		err != git.NoErrAlreadyUpToDate {
		return "", classify(err, "push post")
	}

	if a.logger != nil {
		a.logger.Infow("Published blog post", "filename", filename)
	}
	return filename, nil
}

// Ping verifies the repository can be cloned or updated.
func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.ensureRepo(ctx)
	return err
}

// ensureRepo opens the working copy and pulls, cloning on first use.
func (a *Adapter) ensureRepo(ctx context.Context) (*git.Repository, error) {
	if a.cfg.RepoURL == "" || a.cfg.RepoPath == "" {
		return nil, errors.NewPermanentError("blog repository not configured")
	}

	repo, err := git.PlainOpen(a.cfg.RepoPath)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainCloneContext(ctx, a.cfg.RepoPath, false, &git.CloneOptions{
			URL:  a.cfg.RepoURL,
			Auth: a.auth(),
		})
		if err != nil {
			return nil, classify(err, "clone blog repository")
		}
		return repo, nil
	}
	if err != nil {
		return nil, errors.WrapRetryable(err, "open blog repository")
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, errors.WrapRetryable(err, "open worktree")
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin", Auth: a.auth()})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, classify(err, "pull blog repository")
	}
	return repo, nil
}

func (a *Adapter) auth() transport.AuthMethod {
	if a.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: a.cfg.Token}
}

func classify(err error, context string) error {
	if err == transport.ErrAuthenticationRequired || err == transport.ErrAuthorizationFailed ||
		err == transport.ErrRepositoryNotFound {
		return errors.WrapPermanent(err, context)
	}
	return errors.WrapRetryable(err, context)
}

type frontMatter struct {
	Title string `yaml:"title"`
	Date  string `yaml:"date"`
}

// parseFrontMatter pulls title and date out of the Jekyll header the
// renderer produced; the filename derives from them.
func parseFrontMatter(content string) (string, time.Time, error) {
	if !strings.HasPrefix(content, "---\n") {
		return "", time.Time{}, errors.New("missing front matter")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", time.Time{}, errors.New("unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return "", time.Time{}, errors.Wrap(err, "parse front matter")
	}
	if fm.Title == "" {
		return "", time.Time{}, errors.New("front matter missing title")
	}

	date, err := time.Parse("2006-01-02 15:04:05 -0700", fm.Date)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "parse front matter date")
	}
	return fm.Title, date, nil
}

// slug sanitizes a title for use in a filename.
func slug(title string) string {
	lower := strings.ToLower(title)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}

	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '-' })
	s := strings.Join(parts, "-")
	if len(s) > 50 {
		s = strings.Trim(s[:50], "-")
	}
	if s == "" {
		s = "post"
	}
	return s
}
