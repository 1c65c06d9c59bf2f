// Package bluesky publishes to a Bluesky account over the ATProto XRPC API.
package bluesky

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"go.uber.org/zap"

	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/render"
)

const postCollection = "app.bsky.feed.post"

// Config holds the Bluesky credentials.
type Config struct {
	PDSHost     string // defaults to https://bsky.social
	Identifier  string // handle or DID
	AppPassword string
}

// Adapter posts rendered content as app.bsky.feed.post records.
type Adapter struct {
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	client *xrpc.Client
}

func New(cfg Config, logger *zap.SugaredLogger) *Adapter {
	if cfg.PDSHost == "" {
		cfg.PDSHost = "https://bsky.social"
	}
	return &Adapter{cfg: cfg, logger: logger, now: time.Now}
}

// Publish creates a feed post record and returns its AT URI.
func (a *Adapter) Publish(ctx context.Context, content string) (string, error) {
	if n := utf8.RuneCountInString(content); n > render.MicroblogALimit {
		return "", errors.Wrapf(errors.ErrContentTooLong,
			"%d runes over the %d limit", n, render.MicroblogALimit)
	}

	client, err := a.session(ctx)
	if err != nil {
		return "", err
	}

	record := &appbsky.FeedPost{
		LexiconTypeID: postCollection,
		Text:          content,
		CreatedAt:     a.now().UTC().Format(time.RFC3339),
	}
	input := &comatproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       client.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: record},
	}

	resp, err := comatproto.RepoCreateRecord(ctx, client, input)
	if err != nil {
		// A stale access token gets one fresh session before giving up.
		if statusOf(err) == 401 {
			a.dropSession()
			if client, err = a.session(ctx); err != nil {
				return "", err
			}
			input.Repo = client.Auth.Did
			if resp, err = comatproto.RepoCreateRecord(ctx, client, input); err != nil {
				return "", classify(err)
			}
		} else {
			return "", classify(err)
		}
	}

	if a.logger != nil {
		a.logger.Infow("Created Bluesky post", "uri", resp.Uri)
	}
	return resp.Uri, nil
}

// Ping verifies the credentials by creating a session.
func (a *Adapter) Ping(ctx context.Context) error {
	a.dropSession()
	_, err := a.session(ctx)
	return err
}

func (a *Adapter) session(ctx context.Context) (*xrpc.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	if a.cfg.Identifier == "" || a.cfg.AppPassword == "" {
		return nil, errors.NewPermanentError("bluesky credentials not configured")
	}

	client := &xrpc.Client{Host: a.cfg.PDSHost}
	session, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: a.cfg.Identifier,
		Password:   a.cfg.AppPassword,
	})
	if err != nil {
		return nil, classify(errors.Wrapf(err, "failed to create session with PDS %s for %s",
			a.cfg.PDSHost, a.cfg.Identifier))
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	a.client = client
	return client, nil
}

func (a *Adapter) dropSession() {
	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()
}

func statusOf(err error) int {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		return xe.StatusCode
	}
	return 0
}

// classify maps transport failures to the retryable/permanent split: rate
// limits and server errors retry, other HTTP rejections do not, and
// anything without a status code is treated as a network fault.
func classify(err error) error {
	switch status := statusOf(err); {
	case status == 429 || status >= 500:
		return errors.WrapRetryable(err, "bluesky request")
	case status >= 400:
		return errors.WrapPermanent(err, "bluesky request")
	default:
		return errors.WrapRetryable(err, "bluesky request")
	}
}
