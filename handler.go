package drivewatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerRefreshKey    = "X-Refresh-Key"
)

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	}).Methods(http.MethodGet)
	app.router.HandleFunc("/", app.handleWebhook).Methods(http.MethodPost)
	app.router.HandleFunc("/drive-notifications", app.handleWebhook).Methods(http.MethodPost)
	app.router.HandleFunc("/refresh-channel", app.handleRefreshChannel).Methods(http.MethodPost)
	app.router.HandleFunc("/sync", app.handleSync).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

func writeStatus(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
	io.WriteString(w, http.StatusText(code))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// webhookScope picks the scope a delivery belongs to: the channel token set
// at watch time, or the only configured scope when the token is absent.
func (app *App) webhookScope(token string) (string, bool) {
	if token != "" {
		_, ok := app.watch.Scope(token)
		return token, ok
	}
	if len(app.watch.Scopes) == 1 {
		return app.watch.Scopes[0].Name, true
	}
	return "", false
}

func (app *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := r.Header.Get(headerChannelID)
	resourceID := r.Header.Get(headerResourceID)
	state := r.Header.Get(headerResourceState)
	messageNumber := r.Header.Get(headerMessageNumber)
	userAgent := r.Header.Get("User-Agent")
	slog.InfoContext(ctx, "received webhook request",
		"method", coalesce(r.Method, "-"),
		"uri", coalesce(r.URL.String(), "-"),
		"user_agent", url.QueryEscape(coalesce(userAgent, "-")),
		"channel_id", maskSecret(channelID),
		"resource_id", coalesce(resourceID, "-"),
		"resource_state", coalesce(state, "-"),
		"message_number", coalesce(messageNumber, "-"),
		"forwarded_for", coalesce(r.Header.Get("X-Forwarded-For"), "-"),
		"channel_expiration", coalesce(r.Header.Get("X-Goog-Channel-Expiration"), "-"),
	)
	defer r.Body.Close()
	if d, err := httputil.DumpRequest(r, false); err == nil {
		slog.DebugContext(ctx, "received request dump", "request", string(d))
	}
	if app.strictUserAgent && !strings.HasPrefix(userAgent, "APIs-Google;") {
		slog.WarnContext(ctx, "unexpected user-agent, returning 404", "user_agent", userAgent)
		writeStatus(w, http.StatusNotFound)
		return
	}
	if channelID == "" || resourceID == "" || state == "" || messageNumber == "" {
		slog.WarnContext(ctx, "missing required notification header",
			"channel_id", maskSecret(channelID),
			"resource_id", coalesce(resourceID, "-"),
			"resource_state", coalesce(state, "-"),
			"message_number", coalesce(messageNumber, "-"),
		)
		writeStatus(w, http.StatusBadRequest)
		return
	}
	scopeKey, ok := app.webhookScope(r.Header.Get(headerChannelToken))
	if !ok {
		slog.WarnContext(ctx, "delivery for unknown scope rejected", "channel_id", channelID, "channel_token", r.Header.Get(headerChannelToken))
		writeStatus(w, http.StatusForbidden)
		return
	}
	stored, err := app.storage.Load(ctx, scopeKey)
	if err != nil {
		if isStateNotFound(err) {
			if state == "sync" && app.scopeBusy(scopeKey) {
				slog.DebugContext(ctx, "sync delivery while channel is being registered, acknowledged", "scope", scopeKey, "channel_id", maskSecret(channelID))
				writeStatus(w, http.StatusOK)
				return
			}
			slog.WarnContext(ctx, "delivery for scope without state rejected", "scope", scopeKey, "channel_id", channelID)
			writeStatus(w, http.StatusForbidden)
			return
		}
		slog.ErrorContext(ctx, "load sync state failed", "scope", scopeKey, "error", err)
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	if !stored.IsActiveChannel(channelID) && state == "sync" {
		if app.scopeBusy(scopeKey) {
			slog.DebugContext(ctx, "sync delivery while channel is being registered, acknowledged", "scope", scopeKey, "channel_id", maskSecret(channelID))
			writeStatus(w, http.StatusOK)
			return
		}
		// the registration may have finished after the first load
		stored, err = app.storage.Load(ctx, scopeKey)
		if err != nil {
			slog.ErrorContext(ctx, "load sync state failed", "scope", scopeKey, "error", err)
			writeStatus(w, http.StatusInternalServerError)
			return
		}
	}
	if !stored.IsActiveChannel(channelID) {
		slog.WarnContext(ctx, "delivery for inactive channel rejected",
			"scope", scopeKey,
			"channel_id", channelID,
			"stored_channel_id", stored.MaskedChannelID(),
			"stopped", stored.Stopped,
		)
		writeStatus(w, http.StatusForbidden)
		return
	}
	if stored.ResourceID != resourceID {
		slog.WarnContext(ctx, "resource id mismatch", "scope", scopeKey, "resource_id", resourceID, "stored_resource_id", stored.ResourceID)
	}

	switch state {
	case "sync", "exists":
		slog.InfoContext(ctx, "notification acknowledged", "scope", scopeKey, "resource_state", state)
		writeStatus(w, http.StatusOK)
		return
	case "change":
	default:
		slog.WarnContext(ctx, "unknown resource state", "scope", scopeKey, "resource_state", state)
		writeStatus(w, http.StatusOK)
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, app.requestTimeout)
	defer cancel()
	result, err := app.SyncScope(syncCtx, scopeKey, channelID)
	if err != nil {
		var mismatch *ChannelMismatch
		if errors.As(err, &mismatch) {
			slog.WarnContext(ctx, "channel replaced during delivery", "scope", scopeKey, "channel_id", channelID)
			writeStatus(w, http.StatusForbidden)
			return
		}
		slog.ErrorContext(ctx, "sync failed, provider will redeliver", "scope", scopeKey, "error", err)
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "change processed",
		"scope", scopeKey,
		"files", len(result.FileIDs),
		"cursor", result.NextCursor,
		"dispatch_failed", result.DispatchErr != nil,
	)
	writeStatus(w, http.StatusOK)
}

type refreshResult struct {
	Scope      string    `json:"scope"`
	Expiration time.Time `json:"expiration"`
}

type errorResponse struct {
	Error   string          `json:"error"`
	Results []refreshResult `json:"results,omitempty"`
}

func (app *App) handleRefreshChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if app.refreshKey == "" {
		writeStatus(w, http.StatusNotFound)
		return
	}
	key := r.Header.Get(headerRefreshKey)
	if subtle.ConstantTimeCompare([]byte(key), []byte(app.refreshKey)) != 1 {
		slog.WarnContext(ctx, "refresh channel unauthorized", "forwarded_for", coalesce(r.Header.Get("X-Forwarded-For"), "-"))
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid refresh key"})
		return
	}
	scopes := app.watch.ScopeNames()
	if s := r.URL.Query().Get("scope"); s != "" {
		if _, ok := app.watch.Scope(s); !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("scope %s is not configured", s)})
			return
		}
		scopes = []string{s}
	}
	results := make([]refreshResult, 0, len(scopes))
	for _, s := range scopes {
		state, err := app.RenewChannel(ctx, s)
		if err != nil {
			slog.ErrorContext(ctx, "refresh channel failed", "scope", s, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error:   fmt.Sprintf("refresh scope %s: %s", s, err),
				Results: results,
			})
			return
		}
		results = append(results, refreshResult{Scope: s, Expiration: state.Expiration})
	}
	writeJSON(w, http.StatusOK, results)
}

func (app *App) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var hasErr bool
	if err := app.ensureWebhook(ctx); err != nil {
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	if err := app.MaintainChannels(ctx, false); err != nil {
		slog.WarnContext(ctx, "maintain channels failed", "details", err)
		hasErr = true
	}
	if err := app.SyncAll(ctx); err != nil {
		slog.WarnContext(ctx, "sync all failed", "details", err)
		hasErr = true
	}
	if hasErr {
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	writeStatus(w, http.StatusOK)
}

// scopeBusy reports whether a lifecycle operation or sync holds the scope lock.
func (app *App) scopeBusy(scopeKey string) bool {
	unlock, ok := app.locks.TryLock(scopeKey)
	if !ok {
		return true
	}
	unlock()
	return false
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
