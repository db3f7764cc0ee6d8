package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

func newTestWebhooks(t *testing.T) *WebhookManager {
	t.Helper()

	wm, err := NewWebhookManager(context.Background(), logger.NewNopLogger(), nil, &types.EventsConfig{
		Enabled: true,
		Webhook: true,
		Config: map[string]interface{}{
			"database_path":    filepath.Join(t.TempDir(), "webhooks.db"),
			"delivery_timeout": 5 * time.Second,
			"request_timeout":  2 * time.Second,
		},
	})
	require.NoError(t, err)
	require.NoError(t, wm.Start())

	t.Cleanup(func() {
		if wm.IsRunning() {
			require.NoError(t, wm.Stop())
		}
	})

	return wm
}

func TestWebhookRegisterListRemove(t *testing.T) {
	wm := newTestWebhooks(t)

	wh, err := wm.Register("cache.invalidate.tag", "http://example.com/hook", map[string]string{"X-Team": "cache"})
	require.NoError(t, err)
	assert.NotEmpty(t, wh.ID)
	assert.Len(t, wh.Secret, 64)
	assert.True(t, wh.Enabled)

	// Duplicate event+url pairs are rejected.
	_, err = wm.Register("cache.invalidate.tag", "http://example.com/hook", nil)
	assert.Error(t, err)

	list, err := wm.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, wh.ID, list[0].ID)
	assert.Equal(t, "cache", list[0].Headers["X-Team"])

	require.NoError(t, wm.Remove(wh.ID))
	assert.Error(t, wm.Remove(wh.ID), "removing twice reports not found")

	list, err = wm.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWebhookRegisterValidation(t *testing.T) {
	wm := newTestWebhooks(t)

	_, err := wm.Register("", "http://example.com", nil)
	assert.Error(t, err)
	_, err = wm.Register("event", "", nil)
	assert.Error(t, err)
}

func TestWebhookNotifyDeliversSignedPayload(t *testing.T) {
	wm := newTestWebhooks(t)

	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh, err := wm.Register("cache.invalidate.key", server.URL, map[string]string{"X-Custom": "yes"})
	require.NoError(t, err)

	require.NoError(t, wm.Notify("cache.invalidate.key", map[string]string{"key": "user:1"}))

	select {
	case r := <-received:
		body := <-bodies

		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "SAI-Cache-Webhook/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))

		// The signature covers the exact bytes on the wire.
		mac := hmac.New(sha256.New, []byte(wh.Secret))
		mac.Write(body)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		assert.Equal(t, expected, r.Header.Get("X-Signature"))

		var decoded map[string]interface{}
		require.NoError(t, utils.Unmarshal(body, &decoded))
		assert.Equal(t, "cache.invalidate.key", decoded["event"])
		assert.NotNil(t, decoded["data"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookNotifyNoSubscribers(t *testing.T) {
	wm := newTestWebhooks(t)

	assert.NoError(t, wm.Notify("nobody.cares", map[string]string{}))
}

func TestWebhookNotifyAllFail(t *testing.T) {
	wm := newTestWebhooks(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := wm.Register("cache.clear", server.URL, nil)
	require.NoError(t, err)

	err = wm.Notify("cache.clear", map[string]string{"pattern": "*"})
	assert.ErrorIs(t, err, types.ErrEventPublishFailed)
}

func TestWebhookNotifyPartialSuccess(t *testing.T) {
	wm := newTestWebhooks(t)

	var delivered int64
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	_, err := wm.Register("cache.invalidate.dependency", good.URL, nil)
	require.NoError(t, err)
	_, err = wm.Register("cache.invalidate.dependency", bad.URL, nil)
	require.NoError(t, err)

	// One delivery succeeding is enough for the notify to report success.
	assert.NoError(t, wm.Notify("cache.invalidate.dependency", nil))
	assert.EqualValues(t, 1, atomic.LoadInt64(&delivered))
}

func TestWebhookNotifyRequiresRunning(t *testing.T) {
	wm := newTestWebhooks(t)
	require.NoError(t, wm.Stop())

	assert.ErrorIs(t, wm.Notify("any", nil), types.ErrEventsNotInitialized)
}
