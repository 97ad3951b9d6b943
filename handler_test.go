package drivewatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newNotificationRequest(state *SyncState, resourceState string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/drive-notifications", nil)
	req.Header.Set("X-Goog-Channel-ID", state.ChannelID)
	req.Header.Set("X-Goog-Resource-ID", state.ResourceID)
	req.Header.Set("X-Goog-Resource-State", resourceState)
	req.Header.Set("X-Goog-Message-Number", "1")
	req.Header.Set("X-Goog-Channel-Token", state.ScopeKey)
	req.Header.Set("User-Agent", "APIs-Google; (+https://developers.google.com/webmasters/APIs-Google.html)")
	return req
}

func serve(app *App, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)
	return rr
}

func TestHandleWebhook(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	state := env.load(t, DefaultScopeKey)

	t.Run("sync state is acknowledged without pulling", func(t *testing.T) {
		before := env.stub.ListCalls()
		rr := serve(env.app, newNotificationRequest(state, "sync"))
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, before, env.stub.ListCalls())
	})
	t.Run("unknown resource state is acknowledged", func(t *testing.T) {
		rr := serve(env.app, newNotificationRequest(state, "not_exists"))
		require.Equal(t, http.StatusOK, rr.Code)
	})
	for _, header := range []string{"X-Goog-Channel-ID", "X-Goog-Resource-ID", "X-Goog-Resource-State", "X-Goog-Message-Number"} {
		t.Run("missing "+header, func(t *testing.T) {
			req := newNotificationRequest(state, "change")
			req.Header.Del(header)
			rr := serve(env.app, req)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
	t.Run("unknown channel is rejected", func(t *testing.T) {
		forged := state.Clone()
		forged.ChannelID = "00000000-0000-0000-0000-000000000000"
		rr := serve(env.app, newNotificationRequest(forged, "change"))
		require.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("unknown scope token is rejected", func(t *testing.T) {
		forged := state.Clone()
		forged.ScopeKey = "other"
		rr := serve(env.app, newNotificationRequest(forged, "change"))
		require.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("missing token falls back to the only scope", func(t *testing.T) {
		req := newNotificationRequest(state, "change")
		req.Header.Del("X-Goog-Channel-Token")
		rr := serve(env.app, req)
		require.Equal(t, http.StatusOK, rr.Code)
	})
	t.Run("resource id mismatch is tolerated", func(t *testing.T) {
		forged := state.Clone()
		forged.ResourceID = "another-resource"
		rr := serve(env.app, newNotificationRequest(forged, "change"))
		require.Equal(t, http.StatusOK, rr.Code)
	})
	t.Run("pull failure returns 500", func(t *testing.T) {
		env.stub.SetChangesStatus(http.StatusForbidden)
		defer env.stub.SetChangesStatus(0)
		before := env.load(t, DefaultScopeKey).StartPageToken
		rr := serve(env.app, newNotificationRequest(state, "change"))
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		require.Equal(t, before, env.load(t, DefaultScopeKey).StartPageToken)
	})
}

func TestHandleWebhook_StoppedChannel(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	state := env.load(t, DefaultScopeKey)
	require.NoError(t, env.app.StopChannel(ctx, DefaultScopeKey))

	rr := serve(env.app, newNotificationRequest(state, "change"))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleWebhook_NoState(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	rr := serve(env.app, newNotificationRequest(&SyncState{
		ScopeKey:   DefaultScopeKey,
		ChannelID:  "c",
		ResourceID: "r",
	}, "change"))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleWebhook_ScopeLockTimeout(t *testing.T) {
	env := newTestEnv(t, AppOption{RequestTimeout: 200 * time.Millisecond}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	state := env.load(t, DefaultScopeKey)

	unlock, err := env.app.locks.Lock(ctx, DefaultScopeKey)
	require.NoError(t, err)
	defer unlock()

	start := time.Now()
	rr := serve(env.app, newNotificationRequest(state, "change"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, state.StartPageToken, env.load(t, DefaultScopeKey).StartPageToken)
}

func TestHandleWebhook_SyncDuringRegistration(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	ctx := context.Background()
	pending := &SyncState{
		ScopeKey:   DefaultScopeKey,
		ChannelID:  "11111111-1111-1111-1111-111111111111",
		ResourceID: "resource-pending",
	}

	t.Run("no state yet", func(t *testing.T) {
		unlock, err := env.app.locks.Lock(ctx, DefaultScopeKey)
		require.NoError(t, err)
		rr := serve(env.app, newNotificationRequest(pending, "sync"))
		require.Equal(t, http.StatusOK, rr.Code)
		rr = serve(env.app, newNotificationRequest(pending, "change"))
		require.Equal(t, http.StatusForbidden, rr.Code)
		unlock()

		rr = serve(env.app, newNotificationRequest(pending, "sync"))
		require.Equal(t, http.StatusForbidden, rr.Code)
	})

	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	t.Run("previous channel stored", func(t *testing.T) {
		unlock, err := env.app.locks.Lock(ctx, DefaultScopeKey)
		require.NoError(t, err)
		rr := serve(env.app, newNotificationRequest(pending, "sync"))
		require.Equal(t, http.StatusOK, rr.Code)
		unlock()

		rr = serve(env.app, newNotificationRequest(pending, "sync"))
		require.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestHandleSync_DiscoversFunctionURL(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	webhook := env.app.webhookURL
	env.app.webhookURL = ""
	client := &fakeLambda{url: webhook}
	env.app.lambdaClient = client

	t.Run("outside lambda", func(t *testing.T) {
		rr := serve(env.app, httptest.NewRequest(http.MethodPost, "/sync", nil))
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		require.Empty(t, client.inputs)
	})
	t.Run("on lambda", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		req = req.WithContext(lambdaContext("arn:aws:lambda:ap-northeast-1:123456789012:function:drivewatch"))
		rr := serve(env.app, req)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Len(t, client.inputs, 1)
		require.Equal(t, webhook, env.load(t, DefaultScopeKey).WebhookURL)
		require.Equal(t, 1, env.stub.ActiveChannels())
	})
}

func TestHandleWebhook_StrictUserAgent(t *testing.T) {
	env := newTestEnv(t, AppOption{StrictUserAgent: true}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	state := env.load(t, DefaultScopeKey)

	req := newNotificationRequest(state, "sync")
	req.Header.Set("User-Agent", "curl/8.0")
	require.Equal(t, http.StatusNotFound, serve(env.app, req).Code)

	require.Equal(t, http.StatusOK, serve(env.app, newNotificationRequest(state, "sync")).Code)
}

func TestHandleRefreshChannel(t *testing.T) {
	t.Run("disabled without key", func(t *testing.T) {
		env := newTestEnv(t, AppOption{}, "")
		req := httptest.NewRequest(http.MethodPost, "/refresh-channel", nil)
		require.Equal(t, http.StatusNotFound, serve(env.app, req).Code)
	})

	env := newTestEnv(t, AppOption{RefreshKey: "s3cr3t"}, "")
	ctx := context.Background()
	require.NoError(t, env.app.Register(ctx, RegisterOption{}))
	old := env.load(t, DefaultScopeKey)

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/refresh-channel", nil)
		req.Header.Set("X-Refresh-Key", "wrong")
		require.Equal(t, http.StatusUnauthorized, serve(env.app, req).Code)
	})
	t.Run("unknown scope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/refresh-channel?scope=unknown", nil)
		req.Header.Set("X-Refresh-Key", "s3cr3t")
		require.Equal(t, http.StatusNotFound, serve(env.app, req).Code)
	})
	t.Run("renews the channel", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/refresh-channel?scope=default", nil)
		req.Header.Set("X-Refresh-Key", "s3cr3t")
		rr := serve(env.app, req)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		renewed := env.load(t, DefaultScopeKey)
		require.NotEqual(t, old.ChannelID, renewed.ChannelID)
		require.Equal(t, old.StartPageToken, renewed.StartPageToken)
		require.NotContains(t, rr.Body.String(), renewed.ChannelID)

		var results []map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &results))
		require.Len(t, results, 1)
		require.Equal(t, DefaultScopeKey, results[0]["scope"])
		require.Contains(t, results[0], "expiration")
	})
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, AppOption{}, "")
	rr := serve(env.app, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.HasPrefix(rr.Body.String(), "200"))
}
