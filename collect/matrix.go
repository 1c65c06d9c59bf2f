// Package collect gathers raw activities from the chat, repository, and
// statistics sources and runs them through admission and classification.
package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/internal/httpclient"
)

// Source yields raw activities observed after since.
type Source interface {
	Name() string
	Collect(ctx context.Context, since time.Time) ([]activity.Raw, error)
}

// MatrixConfig holds the chat source settings.
type MatrixConfig struct {
	HomeserverURL string // e.g. https://matrix.org
	UserID        string // @bot:matrix.org
	Password      string
	RoomID        string // !room:matrix.org
	PageLimit     int    // messages per fetch, default 100
}

// Matrix collects m.room.message events from one room.
type Matrix struct {
	cfg    MatrixConfig
	client *httpclient.SaferClient
	logger *zap.SugaredLogger

	mu    sync.Mutex
	token string
}

func NewMatrix(cfg MatrixConfig, logger *zap.SugaredLogger) *Matrix {
	if cfg.PageLimit == 0 {
		cfg.PageLimit = 100
	}
	cfg.HomeserverURL = strings.TrimSuffix(cfg.HomeserverURL, "/")
	return &Matrix{
		cfg:    cfg,
		client: httpclient.NewSaferClient(30 * time.Second),
		logger: logger,
	}
}

func (m *Matrix) Name() string { return "matrix" }

// SetHTTPClient allows overriding the HTTP client for testing
func (m *Matrix) SetHTTPClient(client *httpclient.SaferClient) {
	m.client = client
}

type matrixEvent struct {
	Type           string `json:"type"`
	EventID        string `json:"event_id"`
	Sender         string `json:"sender"`
	OriginServerTS int64  `json:"origin_server_ts"`
	Content        struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
}

// Collect logs in and pages the room backwards, emitting text messages
// newer than since.
func (m *Matrix) Collect(ctx context.Context, since time.Time) ([]activity.Raw, error) {
	if m.cfg.HomeserverURL == "" || m.cfg.RoomID == "" {
		return nil, errors.New("matrix source not configured")
	}

	token, err := m.login(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/messages?dir=b&limit=%d",
		m.cfg.HomeserverURL, url.PathEscape(m.cfg.RoomID), m.cfg.PageLimit)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create messages request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch room messages")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Newf("matrix messages returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page struct {
		Chunk []matrixEvent `json:"chunk"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, "decode room messages")
	}

	var raws []activity.Raw
	for _, event := range page.Chunk {
		if event.Type != "m.room.message" || event.Content.MsgType != "m.text" {
			continue
		}
		occurred := time.UnixMilli(event.OriginServerTS).UTC()
		if !occurred.After(since) {
			continue
		}

		raws = append(raws, activity.Raw{
			Source:     activity.SourceChat,
			Kind:       activity.KindChatMessage,
			NativeID:   event.EventID,
			OccurredAt: occurred,
			Payload: activity.Payload{
				Actor:   event.Sender,
				Title:   fmt.Sprintf("Matrix message from %s", event.Sender),
				Summary: event.Content.Body,
				Link:    fmt.Sprintf("https://matrix.to/#/%s/%s", m.cfg.RoomID, event.EventID),
			},
		})
	}

	if m.logger != nil {
		m.logger.Debugw("Collected Matrix messages",
			"room", m.cfg.RoomID,
			"events", len(page.Chunk),
			"raws", len(raws),
		)
	}
	return raws, nil
}

func (m *Matrix) login(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		return m.token, nil
	}
	if m.cfg.UserID == "" || m.cfg.Password == "" {
		return "", errors.New("matrix credentials not configured")
	}

	body, err := json.Marshal(map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": m.cfg.UserID,
		},
		"password": m.cfg.Password,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal login request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		m.cfg.HomeserverURL+"/_matrix/client/v3/login", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "matrix login")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("matrix login returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var login struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return "", errors.Wrap(err, "decode login response")
	}
	if login.AccessToken == "" {
		return "", errors.New("matrix login returned no access token")
	}

	m.token = login.AccessToken
	return m.token, nil
}
