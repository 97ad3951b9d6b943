package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/google/uuid"
	"github.com/shogo82148/go-retry"
	"golang.org/x/sync/errgroup"
)

var saveRetryPolicy = retry.Policy{
	MinDelay: 50 * time.Millisecond,
	MaxDelay: 1 * time.Second,
	MaxCount: 5,
	Jitter:   25 * time.Millisecond,
}

func (app *App) scope(scopeKey string) (*WatchScope, error) {
	s, ok := app.watch.Scope(scopeKey)
	if !ok {
		return nil, &ScopeNotFound{ScopeKey: scopeKey}
	}
	return s, nil
}

// loadState returns the stored state of scopeKey, or nil when none exists.
func (app *App) loadState(ctx context.Context, scopeKey string) (*SyncState, error) {
	state, err := app.storage.Load(ctx, scopeKey)
	if err != nil {
		if isStateNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return state, nil
}

// saveWith writes state and, when a concurrent writer wins the CAS race,
// reloads the record, re-applies mutate to it and tries again.
func (app *App) saveWith(ctx context.Context, state *SyncState, mutate func(*SyncState)) (*SyncState, error) {
	mutate(state)
	retrier := saveRetryPolicy.Start(ctx)
	var err error
	for retrier.Continue() {
		err = app.storage.Save(ctx, state)
		if err == nil {
			return state, nil
		}
		if !isStateConflict(err) {
			return nil, err
		}
		slog.InfoContext(ctx, "sync state changed concurrently, re-apply", "scope", state.ScopeKey, "revision", state.Revision)
		latest, loadErr := app.loadState(ctx, state.ScopeKey)
		if loadErr != nil {
			return nil, loadErr
		}
		if latest == nil {
			latest = &SyncState{ScopeKey: state.ScopeKey, StartPageToken: state.StartPageToken, CreatedAt: state.CreatedAt}
		}
		state = latest
		mutate(state)
	}
	if err == nil {
		err = ctx.Err()
	}
	return nil, fmt.Errorf("save sync state: %w", err)
}

// CreateChannel registers a new notification channel for the scope.
func (app *App) CreateChannel(ctx context.Context, scopeKey string) (*SyncState, error) {
	scope, err := app.scope(scopeKey)
	if err != nil {
		return nil, err
	}
	unlock, err := app.locks.Lock(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	prev, err := app.loadState(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	return app.createChannel(ctx, scope, prev)
}

// createChannel watches the scope on a fresh channel and persists channel and
// cursor in one conditional write. prev, when given, supplies the cursor.
func (app *App) createChannel(ctx context.Context, scope *WatchScope, prev *SyncState) (*SyncState, error) {
	webhookURL := app.webhook()
	if webhookURL == "" {
		return nil, errors.New("webhook address is empty, please check configuration")
	}
	now := flextime.Now()
	var state *SyncState
	if prev != nil {
		state = prev.Clone()
	} else {
		state = &SyncState{
			ScopeKey:  scope.Name,
			CreatedAt: now,
		}
	}
	state.DriveID = scope.EffectiveDriveID()
	if state.StartPageToken == "" {
		token, err := app.feed.GetStartPageToken(ctx, state.DriveID)
		if err != nil {
			return nil, err
		}
		state.StartPageToken = token
		state.PageTokenFetchedAt = now
	}

	uuidObj, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("create new uuid v4: %w", err)
	}
	channelID := uuidObj.String()
	resp, err := app.feed.Watch(ctx, &WatchRequest{
		ChannelID:  channelID,
		Address:    webhookURL,
		Token:      scope.Name,
		Expiration: now.Add(app.expiration),
		DriveID:    state.DriveID,
		PageToken:  state.StartPageToken,
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "create channel",
		"scope", scope.Name,
		"channel_id", maskSecret(channelID),
		"resource_id", resp.ResourceID,
		"drive_id", state.DriveID,
		"expiration", resp.Expiration.Format(time.RFC3339),
	)

	saved, err := app.saveWith(ctx, state, func(s *SyncState) {
		s.ChannelID = channelID
		s.ResourceID = resp.ResourceID
		s.Expiration = resp.Expiration
		s.WebhookURL = webhookURL
		s.DriveID = state.DriveID
		s.Stopped = false
		s.UpdatedAt = now
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
	})
	if err != nil {
		orphan := &OrphanedChannelError{
			ScopeKey:   scope.Name,
			ChannelID:  channelID,
			ResourceID: resp.ResourceID,
			Err:        err,
		}
		slog.ErrorContext(ctx, "channel registered but not persisted, it keeps delivering until it expires",
			"scope", scope.Name,
			"channel_id", channelID,
			"resource_id", resp.ResourceID,
			"expiration", resp.Expiration.Format(time.RFC3339),
			"error", err,
		)
		return nil, orphan
	}
	return saved, nil
}

// RenewChannel replaces the scope's channel with a new one.
// The cursor is carried over unchanged.
func (app *App) RenewChannel(ctx context.Context, scopeKey string) (*SyncState, error) {
	scope, err := app.scope(scopeKey)
	if err != nil {
		return nil, err
	}
	unlock, err := app.locks.Lock(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	prev, err := app.loadState(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	return app.renewChannel(ctx, scope, prev)
}

func (app *App) renewChannel(ctx context.Context, scope *WatchScope, prev *SyncState) (*SyncState, error) {
	if prev != nil && prev.ChannelID != "" && !prev.Stopped && !prev.IsExpired() {
		if err := app.feed.Stop(ctx, prev.ChannelID, prev.ResourceID); err != nil {
			slog.WarnContext(ctx, "stop old channel failed, continue renewal",
				"scope", scope.Name,
				"channel_id", prev.MaskedChannelID(),
				"resource_id", prev.ResourceID,
				"error", err,
			)
		}
	}
	next, err := app.createChannel(ctx, scope, prev)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		slog.InfoContext(ctx, "renew channel",
			"scope", scope.Name,
			"old_channel_id", prev.MaskedChannelID(),
			"new_channel_id", next.MaskedChannelID(),
		)
	}
	return next, nil
}

// StopChannel stops the scope's channel and marks the record stopped.
// Stopping an already stopped or unknown channel succeeds.
func (app *App) StopChannel(ctx context.Context, scopeKey string) error {
	unlock, err := app.locks.Lock(ctx, scopeKey)
	if err != nil {
		return err
	}
	defer unlock()
	state, err := app.loadState(ctx, scopeKey)
	if err != nil {
		return err
	}
	if state == nil || state.Stopped {
		slog.DebugContext(ctx, "channel already stopped", "scope", scopeKey)
		return nil
	}
	if state.ChannelID != "" {
		if err := app.feed.Stop(ctx, state.ChannelID, state.ResourceID); err != nil {
			return fmt.Errorf("stop channel scope=%s: %w", scopeKey, err)
		}
	}
	now := flextime.Now()
	if _, err := app.saveWith(ctx, state, func(s *SyncState) {
		s.Stopped = true
		s.UpdatedAt = now
	}); err != nil {
		return err
	}
	slog.InfoContext(ctx, "stop channel", "scope", scopeKey, "channel_id", state.MaskedChannelID(), "resource_id", state.ResourceID)
	return nil
}

// MaintainChannels brings every configured scope to an active channel:
// missing or stopped channels are created, expiring ones renewed unless
// createOnly is set.
func (app *App) MaintainChannels(ctx context.Context, createOnly bool) error {
	if app.webhook() == "" {
		return errors.New("webhook address is empty, please check configuration")
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	var eg errgroup.Group
	for _, scope := range app.watch.Scopes {
		eg.Go(func() error {
			if err := app.maintainScope(ctx, scope, createOnly); err != nil {
				slog.ErrorContext(ctx, "maintain channel failed", "scope", scope.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("scope %s: %w", scope.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	return errors.Join(errs...)
}

func (app *App) maintainScope(ctx context.Context, scope *WatchScope, createOnly bool) error {
	unlock, err := app.locks.Lock(ctx, scope.Name)
	if err != nil {
		return err
	}
	defer unlock()
	state, err := app.loadState(ctx, scope.Name)
	if err != nil {
		return err
	}
	cs := ChannelStateOf(ctx, state, app.rotateRemaining)
	slog.InfoContext(ctx, "channel state", "scope", scope.Name, "state", cs.String())
	switch cs {
	case ChannelStateUninitialized, ChannelStateStopped:
		_, err = app.createChannel(ctx, scope, state)
	case ChannelStateExpiring:
		if createOnly {
			return nil
		}
		_, err = app.renewChannel(ctx, scope, state)
	case ChannelStateActive:
		if !createOnly && state.WebhookURL != app.webhook() {
			slog.InfoContext(ctx, "webhook address changed, renew channel", "scope", scope.Name)
			_, err = app.renewChannel(ctx, scope, state)
		}
	}
	return err
}
