package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Songmu/flextime"
)

// SyncResult describes one completed sync cycle of a scope.
type SyncResult struct {
	Scope       string
	Cursor      string
	NextCursor  string
	FileIDs     []string
	CursorReset bool
	DispatchErr error
}

// SyncScope pulls the scope's change feed from its stored cursor, forwards
// the reconciled changes and advances the cursor.
//
// When channelID is given the cycle only runs if it is still the scope's
// active channel. The cursor advances even when dispatch fails; pull and
// persist failures leave it untouched.
func (app *App) SyncScope(ctx context.Context, scopeKey, channelID string) (*SyncResult, error) {
	scope, err := app.scope(scopeKey)
	if err != nil {
		return nil, err
	}
	unlock, err := app.locks.Lock(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := app.storage.Load(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	if channelID != "" && !state.IsActiveChannel(channelID) {
		return nil, &ChannelMismatch{ScopeKey: scopeKey, ChannelID: channelID}
	}
	result := &SyncResult{
		Scope:  scopeKey,
		Cursor: state.StartPageToken,
	}
	driveID := coalesce(state.DriveID, scope.EffectiveDriveID())
	if state.StartPageToken == "" {
		if err := app.resetCursor(ctx, state, driveID); err != nil {
			return nil, err
		}
		result.NextCursor = state.StartPageToken
		result.CursorReset = true
		return result, nil
	}

	records, next, err := app.feed.PullChanges(ctx, driveID, state.StartPageToken)
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			slog.ErrorContext(ctx, "change cursor expired, restart from a fresh cursor; changes since the old cursor are not forwarded",
				"scope", scopeKey,
				"cursor", state.StartPageToken,
				"error", err,
			)
			if err := app.resetCursor(ctx, state, driveID); err != nil {
				return nil, err
			}
			result.NextCursor = state.StartPageToken
			result.CursorReset = true
			return result, nil
		}
		return nil, fmt.Errorf("pull changes scope=%s: %w", scopeKey, err)
	}

	watched := state.WatchedFiles
	if needsAllowlist(scope, records) {
		resolved, err := ResolveAllowlist(ctx, app.feed, scope)
		switch {
		case err == nil:
			watched = resolved
		case watched != nil:
			slog.WarnContext(ctx, "resolve watched files failed, use last snapshot", "scope", scopeKey, "error", err)
		default:
			return nil, fmt.Errorf("resolve watched files scope=%s: %w", scopeKey, err)
		}
	}
	reconciled := Reconcile(ctx, scope, records, watched)
	result.FileIDs = FileIDs(reconciled)
	result.NextCursor = next

	if len(reconciled) > 0 {
		req := &DispatchRequest{
			Scope:   scopeKey,
			DriveID: driveID,
			FileIDs: result.FileIDs,
			Changes: reconciled,
		}
		if err := app.dispatcher.Dispatch(ctx, req); err != nil {
			slog.ErrorContext(ctx, "dispatch failed, cursor advances anyway",
				"scope", scopeKey,
				"file_ids", result.FileIDs,
				"error", err,
			)
			result.DispatchErr = err
		} else {
			slog.InfoContext(ctx, "dispatched changes", "scope", scopeKey, "files", len(result.FileIDs))
		}
	} else {
		slog.DebugContext(ctx, "no changes to dispatch", "scope", scopeKey, "raw", len(records))
	}

	prev := state.StartPageToken
	state.StartPageToken = next
	state.WatchedFiles = watched
	state.UpdatedAt = flextime.Now()
	if err := app.storage.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("save cursor scope=%s: %w", scopeKey, err)
	}
	slog.InfoContext(ctx, "cursor advanced", "scope", scopeKey, "old_cursor", prev, "new_cursor", next)
	return result, nil
}

func (app *App) resetCursor(ctx context.Context, state *SyncState, driveID string) error {
	token, err := app.feed.GetStartPageToken(ctx, driveID)
	if err != nil {
		return err
	}
	now := flextime.Now()
	state.StartPageToken = token
	state.PageTokenFetchedAt = now
	state.UpdatedAt = now
	if err := app.storage.Save(ctx, state); err != nil {
		return fmt.Errorf("save fresh cursor scope=%s: %w", state.ScopeKey, err)
	}
	slog.InfoContext(ctx, "cursor reset", "scope", state.ScopeKey, "cursor", token)
	return nil
}

// SyncAll runs a sync cycle for every configured scope that has a stored state.
func (app *App) SyncAll(ctx context.Context) error {
	var errs []error
	for _, scope := range app.watch.Scopes {
		result, err := app.SyncScope(ctx, scope.Name, "")
		if err != nil {
			if isStateNotFound(err) {
				slog.WarnContext(ctx, "scope has no sync state, register it first", "scope", scope.Name)
				continue
			}
			slog.ErrorContext(ctx, "sync failed", "scope", scope.Name, "error", err)
			errs = append(errs, fmt.Errorf("scope %s: %w", scope.Name, err))
			continue
		}
		slog.InfoContext(ctx, "sync completed", "scope", scope.Name, "files", len(result.FileIDs), "cursor", result.NextCursor)
	}
	return errors.Join(errs...)
}
