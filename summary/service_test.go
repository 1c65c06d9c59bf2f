package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
)

func weekWindow() (time.Time, time.Time) {
	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 6)
}

func sampleActivities() []*activity.Activity {
	return []*activity.Activity{
		{
			ID:   "a1",
			Kind: activity.KindRepoRelease,
			Payload: activity.Payload{
				Title: "Release v1.4.0: Faster crawling",
				Link:  "https://github.com/mwmbl/mwmbl/releases/v1.4.0",
			},
			OccurredAt: time.Date(2026, 8, 18, 10, 0, 0, 0, time.UTC),
		},
		{
			ID:   "a2",
			Kind: activity.KindChatMessage,
			Payload: activity.Payload{
				Title:   "Chat message",
				Summary: "Welcome to our newest community member!",
				Actor:   "@daoud:matrix.org",
			},
			OccurredAt: time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
		},
	}
}

func messagesResponse(text string) MessagesResponse {
	return MessagesResponse{
		ID:      "msg_1",
		Type:    "message",
		Role:    "assistant",
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{APIKey: "test-key"})
	client.SetHTTPClient(server.Client())
	client.SetBaseURL(server.URL)
	client.SetSleep(func(time.Duration) {})
	return client
}

func TestCompleteSendsHeadersAndPrompt(t *testing.T) {
	var gotReq MessagesRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		assert.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(messagesResponse("a summary"))
	})

	got, err := client.Complete(context.Background(), "summarize the week")
	require.NoError(t, err)
	assert.Equal(t, "a summary", got)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "summarize the week", gotReq.Messages[0].Content)
}

func TestCompleteRetriesOverloaded(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(529)
			w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(messagesResponse("eventually fine"))
	})

	got, err := client.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "eventually fine", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error"}}`))
	})

	_, err := client.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestCompleteExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	client := NewClient(ClientConfig{})
	assert.False(t, client.IsConfigured())

	_, err := client.Complete(context.Background(), "prompt")
	require.Error(t, err)
}

func TestWeeklySummaryUsesClient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse("# A Great Week\n\nLots happened."))
	})
	service := NewService(client, zap.NewNop().Sugar())

	start, end := weekWindow()
	got := service.WeeklySummary(context.Background(), sampleActivities(), start, end)
	assert.Equal(t, "# A Great Week\n\nLots happened.", got)
}

func TestWeeklySummaryFallsBackToDigest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	service := NewService(client, zap.NewNop().Sugar())

	start, end := weekWindow()
	got := service.WeeklySummary(context.Background(), sampleActivities(), start, end)

	assert.Contains(t, got, "# Weekly Update: August 17 - August 23, 2026")
	assert.Contains(t, got, "## 🚀 Releases")
	assert.Contains(t, got, "Release v1.4.0: Faster crawling")
}

func TestWeeklySummaryUnconfiguredClientSkipsAPI(t *testing.T) {
	service := NewService(NewClient(ClientConfig{}), zap.NewNop().Sugar())

	start, end := weekWindow()
	got := service.WeeklySummary(context.Background(), sampleActivities(), start, end)
	assert.Contains(t, got, "# Weekly Update:")
}

func TestWeeklySummaryEmptyWeek(t *testing.T) {
	service := NewService(NewClient(ClientConfig{}), zap.NewNop().Sugar())

	start, end := weekWindow()
	got := service.WeeklySummary(context.Background(), nil, start, end)
	assert.Contains(t, got, "relatively quiet")
}

func TestDigestSectionOrderAndOverflow(t *testing.T) {
	var acts []*activity.Activity
	for i := 0; i < 7; i++ {
		acts = append(acts, &activity.Activity{
			Kind:    activity.KindRepoCommit,
			Payload: activity.Payload{Title: "Commit: change " + string(rune('a'+i))},
		})
	}
	acts = append(acts, &activity.Activity{
		Kind:    activity.KindRepoRelease,
		Payload: activity.Payload{Title: "Release v2.0.0: Big one"},
	})

	start, end := weekWindow()
	got := Digest(acts, start, end)

	releaseIdx := strings.Index(got, "## 🚀 Releases")
	commitIdx := strings.Index(got, "## 📝 Development Activity")
	require.GreaterOrEqual(t, releaseIdx, 0)
	require.GreaterOrEqual(t, commitIdx, 0)
	assert.Less(t, releaseIdx, commitIdx, "releases come before commits")
	assert.Contains(t, got, "…and 2 more")
}
