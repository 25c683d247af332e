package callback_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/callback"
	"seedkeeper/internal/job"
	"seedkeeper/internal/registry"
	"seedkeeper/pkg/backoff"
	"seedkeeper/pkg/circuitbreaker"
	"seedkeeper/pkg/cloudevent"
)

var record = job.CompletionRecord{
	Identifier:     "movie",
	ByteLength:     4096,
	StatusCode:     job.StatusCodeReady,
	DescriptorPath: "/srv/config/torrents/abc.torrent",
}

func TestRegistry_RecordsReadyItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := registry.Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	id, err := callback.NewRegistry(reg).OnDownloadComplete(ctx, record)
	require.NoError(t, err)
	assert.Empty(t, id)

	item, err := reg.Get(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusReady, item.Status)
	assert.False(t, item.Seeding)
	assert.Equal(t, record.DescriptorPath, item.Descriptor)
	assert.EqualValues(t, 4096, item.Size)

	pending, err := reg.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "movie", pending[0].ID)
}

func TestRegistry_RejectsItemBeingSeeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := registry.Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, reg.Put(ctx, registry.Item{ID: "movie", Status: registry.StatusReady, Descriptor: "/a.torrent"}))
	require.NoError(t, reg.MarkSeeding(ctx, "movie"))

	_, err = callback.NewRegistry(reg).OnDownloadComplete(ctx, record)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	item, err := reg.Get(ctx, "movie")
	require.NoError(t, err)
	assert.True(t, item.Seeding)
	assert.Equal(t, "/a.torrent", item.Descriptor)
	assert.ErrorIs(t, reg.MarkSeeding(ctx, "movie"), apperrors.ErrAlreadyClaimed)
}

func TestRegistry_ReplacesIdleItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := registry.Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, reg.Put(ctx, registry.Item{ID: "movie", Status: registry.StatusPending, Descriptor: "/a.torrent"}))

	_, err = callback.NewRegistry(reg).OnDownloadComplete(ctx, record)
	require.NoError(t, err)

	item, err := reg.Get(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusReady, item.Status)
	assert.Equal(t, record.DescriptorPath, item.Descriptor)
	assert.False(t, item.Seeding)
}

func fastWebhook(url string) *callback.Webhook {
	return callback.NewWebhook(callback.WebhookConfig{
		URL:        url,
		SigningKey: "secret",
		Timeout:    time.Second,
		Attempts:   3,
		Retry:      backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
}

func TestWebhook_ReturnsCorrectedIdentifier(t *testing.T) {
	t.Parallel()
	type captured struct {
		event     cloudevent.CloudEvent
		signature bool
	}
	got := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var c captured
		_ = json.Unmarshal(body, &c.event)
		c.signature = cloudevent.Verify(body, r.Header.Get("X-Signature-256"), "secret")
		got <- c
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"identifier":"movie-1080p"}`))
	}))
	defer srv.Close()

	id, err := fastWebhook(srv.URL).OnDownloadComplete(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, "movie-1080p", id)

	c := <-got
	assert.True(t, c.signature)
	assert.Equal(t, job.EventTypeDownloadComplete, c.event.Type)
	assert.Equal(t, "movie", c.event.Data["identifier"])
	assert.EqualValues(t, 4096, c.event.Data["byteLength"])
}

func TestWebhook_EmptyReplyKeepsIdentifier(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	id, err := fastWebhook(srv.URL).OnDownloadComplete(context.Background(), record)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var ids = make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get("Ce-Id")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := fastWebhook(srv.URL).OnDownloadComplete(context.Background(), record)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())

	first := <-ids
	assert.Equal(t, first, <-ids)
	assert.Equal(t, first, <-ids)
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := fastWebhook(srv.URL).OnDownloadComplete(context.Background(), record)
	require.Error(t, err)
	assert.True(t, cloudevent.IsClientError(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestWebhook_OpenBreakerFailsFast(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	hook := callback.NewWebhook(callback.WebhookConfig{
		URL:      srv.URL,
		Timeout:  time.Second,
		Attempts: 2,
		Retry:    backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Breakers: breakers,
	})

	_, err := hook.OnDownloadComplete(context.Background(), record)
	require.Error(t, err)
	assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, circuitbreaker.Open, breakers.ForURL(srv.URL).State())

	_, err = hook.OnDownloadComplete(context.Background(), record)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.EqualValues(t, 2, calls.Load(), "no request while the breaker is open")
}

func TestWebhook_ClientErrorKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	hook := callback.NewWebhook(callback.WebhookConfig{URL: srv.URL, Timeout: time.Second, Breakers: breakers})

	for range 2 {
		_, err := hook.OnDownloadComplete(context.Background(), record)
		require.Error(t, err)
		assert.True(t, cloudevent.IsClientError(err))
	}
	assert.Equal(t, circuitbreaker.Closed, breakers.ForURL(srv.URL).State())
}
