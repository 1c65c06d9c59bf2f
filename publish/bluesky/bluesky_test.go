package bluesky

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mwmbl/post/errors"
)

type fakePDS struct {
	sessions      atomic.Int32
	creates       atomic.Int32
	createHandler func(w http.ResponseWriter, r *http.Request)
}

func (f *fakePDS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		f.sessions.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt":  "access",
			"refreshJwt": "refresh",
			"handle":     "mwmbl.bsky.social",
			"did":        "did:plc:mwmbl",
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		f.creates.Add(1)
		if f.createHandler != nil {
			f.createHandler(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"uri": "at://did:plc:mwmbl/app.bsky.feed.post/3k2a",
			"cid": "bafyexample",
		})
	})
	return mux
}

func newTestAdapter(t *testing.T, pds *fakePDS) *Adapter {
	t.Helper()
	server := httptest.NewServer(pds.handler())
	t.Cleanup(server.Close)

	return New(Config{
		PDSHost:     server.URL,
		Identifier:  "mwmbl.bsky.social",
		AppPassword: "app-pass",
	}, zap.NewNop().Sugar())
}

func TestPublishCreatesRecord(t *testing.T) {
	pds := &fakePDS{}
	adapter := newTestAdapter(t, pds)

	uri, err := adapter.Publish(context.Background(), "🚀 Release v1.4.0")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:mwmbl/app.bsky.feed.post/3k2a", uri)
	assert.Equal(t, int32(1), pds.sessions.Load())
}

func TestPublishReusesSession(t *testing.T) {
	pds := &fakePDS{}
	adapter := newTestAdapter(t, pds)

	_, err := adapter.Publish(context.Background(), "first")
	require.NoError(t, err)
	_, err = adapter.Publish(context.Background(), "second")
	require.NoError(t, err)

	assert.Equal(t, int32(1), pds.sessions.Load())
	assert.Equal(t, int32(2), pds.creates.Load())
}

func TestPublishRejectsOverlongContent(t *testing.T) {
	pds := &fakePDS{}
	adapter := newTestAdapter(t, pds)

	_, err := adapter.Publish(context.Background(), strings.Repeat("x", 301))
	require.Error(t, err)
	assert.True(t, errors.IsContentTooLongError(err))
	assert.Equal(t, int32(0), pds.creates.Load(), "over-limit content never reaches the PDS")
}

func TestPublishClassifiesRateLimit(t *testing.T) {
	pds := &fakePDS{createHandler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "RateLimitExceeded"})
	}}
	adapter := newTestAdapter(t, pds)

	_, err := adapter.Publish(context.Background(), "content")
	require.Error(t, err)
	assert.True(t, errors.IsPublishRetryableError(err))
}

func TestPublishClassifiesValidationError(t *testing.T) {
	pds := &fakePDS{createHandler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "InvalidRequest"})
	}}
	adapter := newTestAdapter(t, pds)

	_, err := adapter.Publish(context.Background(), "content")
	require.Error(t, err)
	assert.True(t, errors.IsPublishPermanentError(err))
}

func TestPublishRefreshesExpiredSession(t *testing.T) {
	pds := &fakePDS{}
	pds.createHandler = func(w http.ResponseWriter, r *http.Request) {
		if pds.creates.Load() == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"uri": "at://did:plc:mwmbl/app.bsky.feed.post/3k2b",
			"cid": "bafyexample",
		})
	}
	adapter := newTestAdapter(t, pds)

	uri, err := adapter.Publish(context.Background(), "content")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:mwmbl/app.bsky.feed.post/3k2b", uri)
	assert.Equal(t, int32(2), pds.sessions.Load(), "a 401 forces a fresh login")
}

func TestPingRequiresCredentials(t *testing.T) {
	adapter := New(Config{}, zap.NewNop().Sugar())

	err := adapter.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsPublishPermanentError(err))
}

func TestPing(t *testing.T) {
	pds := &fakePDS{}
	adapter := newTestAdapter(t, pds)

	require.NoError(t, adapter.Ping(context.Background()))
	assert.Equal(t, int32(1), pds.sessions.Load())
}
