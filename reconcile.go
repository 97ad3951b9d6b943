package drivewatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/mashiike/drivewatch/pkg/drivewatchevent"
)

// Reconcile reduces a raw change batch to the changes that must be forwarded
// for scope. allowlist is the scope's resolved watched file set and is
// ignored for scopes that watch everything.
//
// Removed and trashed entries, folders and non-file changes are dropped,
// duplicates collapse to their latest change, and the result is ordered by
// (timestamp, object ID).
func Reconcile(ctx context.Context, scope *WatchScope, changes []*ChangeRecord, allowlist []string) []*ChangeRecord {
	latest := make(map[string]*ChangeRecord, len(changes))
	for _, c := range changes {
		switch {
		case c == nil || c.ObjectID == "":
			continue
		case c.Removed:
			slog.DebugContext(ctx, "skip removed change", "scope", scope.Name, "file_id", c.ObjectID)
			continue
		case c.Trashed:
			slog.DebugContext(ctx, "skip trashed change", "scope", scope.Name, "file_id", c.ObjectID)
			continue
		case c.MimeType == FolderMimeType:
			continue
		case c.ChangeType != "" && c.ChangeType != "file":
			continue
		}
		if prev, ok := latest[c.ObjectID]; ok && prev.Timestamp.After(c.Timestamp) {
			continue
		}
		latest[c.ObjectID] = c
	}

	var allowed map[string]struct{}
	if !scope.IsAll() {
		allowed = make(map[string]struct{}, len(allowlist))
		for _, id := range allowlist {
			allowed[id] = struct{}{}
		}
	}

	result := make([]*ChangeRecord, 0, len(latest))
	for id, c := range latest {
		if allowed != nil {
			if _, ok := allowed[id]; !ok {
				continue
			}
		}
		if !matchFilter(ctx, scope, c) {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b *ChangeRecord) int {
		if n := a.Timestamp.Compare(b.Timestamp); n != 0 {
			return n
		}
		return strings.Compare(a.ObjectID, b.ObjectID)
	})
	slog.DebugContext(ctx, "reconciled changes", "scope", scope.Name, "raw", len(changes), "reconciled", len(result))
	return result
}

// matchFilter evaluates the scope's CEL filter. Evaluation errors keep the change.
func matchFilter(ctx context.Context, scope *WatchScope, c *ChangeRecord) bool {
	detail := &drivewatchevent.Detail{
		Scope:   scope.Name,
		FileIDs: []string{c.ObjectID},
		Change:  ConvertChange(c),
	}
	ok, err := scope.Filter.Eval(detail)
	if err != nil {
		slog.WarnContext(ctx, "filter evaluation failed, keep change", "scope", scope.Name, "file_id", c.ObjectID, "error", err)
		return true
	}
	return ok
}

// FileIDs returns the object IDs of reconciled changes in order.
func FileIDs(changes []*ChangeRecord) []string {
	return Map(changes, func(c *ChangeRecord) string {
		return c.ObjectID
	})
}

// needsAllowlist reports whether any change could pass the allowlist step,
// i.e. whether resolving the allowlist is worth a provider round trip.
func needsAllowlist(scope *WatchScope, changes []*ChangeRecord) bool {
	if scope.IsAll() {
		return false
	}
	for _, c := range changes {
		if c != nil && !c.Removed && !c.Trashed && c.MimeType != FolderMimeType {
			return true
		}
	}
	return false
}
