// Package mastodon publishes to a Mastodon account via the statuses API.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/internal/httpclient"
	"github.com/mwmbl/post/render"
	"github.com/mwmbl/post/version"
)

// Config holds the Mastodon credentials.
type Config struct {
	InstanceURL string // e.g. https://fosstodon.org
	AccessToken string
}

// Adapter posts rendered content as public statuses.
type Adapter struct {
	cfg    Config
	client *httpclient.SaferClient
	logger *zap.SugaredLogger
}

func New(cfg Config, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{
		cfg:    Config{InstanceURL: strings.TrimSuffix(cfg.InstanceURL, "/"), AccessToken: cfg.AccessToken},
		client: httpclient.NewSaferClient(30 * time.Second),
		logger: logger,
	}
}

// SetHTTPClient allows overriding the HTTP client for testing
func (a *Adapter) SetHTTPClient(client *httpclient.SaferClient) {
	a.client = client
}

type statusRequest struct {
	Status     string `json:"status"`
	Visibility string `json:"visibility"`
	Language   string `json:"language"`
}

type statusResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publish posts a public status and returns its ID.
func (a *Adapter) Publish(ctx context.Context, content string) (string, error) {
	if n := utf8.RuneCountInString(content); n > render.MicroblogBLimit {
		return "", errors.Wrapf(errors.ErrContentTooLong,
			"%d runes over the %d limit", n, render.MicroblogBLimit)
	}
	if err := a.configured(); err != nil {
		return "", err
	}

	body, err := json.Marshal(statusRequest{
		Status:     content,
		Visibility: "public",
		Language:   "en",
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal status")
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		a.cfg.InstanceURL+"/api/v1/statuses", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errors.WrapRetryable(err, "post status")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.WrapRetryable(err, "read status response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp, respBody)
	}

	var status statusResponse
	if err := json.Unmarshal(respBody, &status); err != nil {
		return "", errors.Wrap(err, "unmarshal status response")
	}

	if a.logger != nil {
		a.logger.Infow("Created Mastodon status", "id", status.ID, "url", status.URL)
	}
	return status.ID, nil
}

// Ping verifies the token against verify_credentials.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.configured(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET",
		a.cfg.InstanceURL+"/api/v1/accounts/verify_credentials", nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.WrapRetryable(err, "verify credentials")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp, body)
	}
	return nil
}

func (a *Adapter) configured() error {
	if a.cfg.InstanceURL == "" || a.cfg.AccessToken == "" {
		return errors.NewPermanentError("mastodon credentials not configured")
	}
	return nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	err := errors.Newf("mastodon API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			err = errors.WithHintf(err, "retry after %s", retryAfter)
		}
		return errors.WrapRetryable(err, "rate limited")
	case resp.StatusCode >= 500:
		return errors.WrapRetryable(err, "server error")
	default:
		// 400/401/403/404/422: retrying cannot fix these.
		return errors.WrapPermanent(err, "rejected")
	}
}
