package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Songmu/flextime"
)

var allFilesQuery = fmt.Sprintf("mimeType != %s and trashed = false", quoteQuery(FolderMimeType))

// BackfillScope dispatches every file the scope currently watches, whether or
// not it changed. The change cursor and the stored state are not modified.
//
// When resolving the watched files fails the last stored snapshot is used.
func (app *App) BackfillScope(ctx context.Context, scopeKey string) (*SyncResult, error) {
	scope, err := app.scope(scopeKey)
	if err != nil {
		return nil, err
	}
	unlock, err := app.locks.Lock(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	driveID := scope.EffectiveDriveID()
	entries, err := app.backfillEntries(ctx, scope, driveID)
	if err != nil {
		state, loadErr := app.loadState(ctx, scopeKey)
		if loadErr != nil || state == nil || state.WatchedFiles == nil {
			return nil, fmt.Errorf("resolve watched files scope=%s: %w", scopeKey, err)
		}
		slog.WarnContext(ctx, "resolve watched files failed, use last snapshot", "scope", scopeKey, "error", err)
		entries = Map(state.WatchedFiles, func(id string) *FileEntry {
			return &FileEntry{ID: id}
		})
	}

	now := flextime.Now()
	records := make([]*ChangeRecord, 0, len(entries))
	allowlist := make([]string, 0, len(entries))
	for _, f := range entries {
		records = append(records, &ChangeRecord{
			ObjectID:   f.ID,
			Timestamp:  now,
			MimeType:   f.MimeType,
			Name:       f.Name,
			ChangeType: "file",
			Parents:    f.Parents,
			DriveID:    driveIDForChange(driveID),
		})
		allowlist = append(allowlist, f.ID)
	}
	reconciled := Reconcile(ctx, scope, records, allowlist)
	result := &SyncResult{
		Scope:   scopeKey,
		FileIDs: FileIDs(reconciled),
	}
	if len(reconciled) == 0 {
		slog.InfoContext(ctx, "no watched files to backfill", "scope", scopeKey)
		return result, nil
	}
	req := &DispatchRequest{
		Scope:   scopeKey,
		DriveID: driveID,
		FileIDs: result.FileIDs,
		Changes: reconciled,
	}
	if err := app.dispatcher.Dispatch(ctx, req); err != nil {
		result.DispatchErr = err
		return result, fmt.Errorf("backfill dispatch scope=%s: %w", scopeKey, err)
	}
	slog.InfoContext(ctx, "backfilled watched files", "scope", scopeKey, "files", len(result.FileIDs))
	return result, nil
}

func (app *App) backfillEntries(ctx context.Context, scope *WatchScope, driveID string) ([]*FileEntry, error) {
	if !scope.IsAll() {
		return resolveWatchedEntries(ctx, app.feed, scope)
	}
	return app.feed.ListFiles(ctx, driveID, allFilesQuery)
}

func driveIDForChange(driveID string) string {
	if driveID == DefaultDriveID {
		return ""
	}
	return driveID
}

// Backfill dispatches the watched files of every scope, or of opt.Scope.
func (app *App) Backfill(ctx context.Context, opt BackfillOption) error {
	scopes := app.watch.ScopeNames()
	if opt.Scope != "" {
		if _, err := app.scope(opt.Scope); err != nil {
			return err
		}
		scopes = []string{opt.Scope}
	}
	var errs []error
	for _, name := range scopes {
		result, err := app.BackfillScope(ctx, name)
		if err != nil {
			slog.ErrorContext(ctx, "backfill failed", "scope", name, "error", err)
			errs = append(errs, fmt.Errorf("scope %s: %w", name, err))
			continue
		}
		slog.InfoContext(ctx, "backfill completed", "scope", name, "files", len(result.FileIDs))
	}
	return errors.Join(errs...)
}
