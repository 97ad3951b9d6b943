package drivewatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func record(id string, at time.Time) *ChangeRecord {
	return &ChangeRecord{ObjectID: id, Timestamp: at, ChangeType: "file", MimeType: "text/plain", Name: id + ".txt"}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	all := &WatchScope{Name: DefaultScopeKey}

	t.Run("drops removed trashed folders and drive changes", func(t *testing.T) {
		removed := record("r", t0)
		removed.Removed = true
		trashed := record("t", t0)
		trashed.Trashed = true
		folder := record("f", t0)
		folder.MimeType = FolderMimeType
		driveChange := record("d", t0)
		driveChange.ChangeType = "drive"
		got := Reconcile(ctx, all, []*ChangeRecord{removed, trashed, folder, driveChange, nil, {}, record("ok", t0)}, nil)
		require.Equal(t, []string{"ok"}, FileIDs(got))
	})
	t.Run("collapses duplicates to the latest change", func(t *testing.T) {
		older := record("a", t0)
		older.Name = "old"
		newer := record("a", t0.Add(2*time.Second))
		newer.Name = "new"
		got := Reconcile(ctx, all, []*ChangeRecord{newer, record("b", t0.Add(time.Second)), older}, nil)
		require.Equal(t, []string{"b", "a"}, FileIDs(got))
		require.Equal(t, "new", got[1].Name)
	})
	t.Run("orders by timestamp then id", func(t *testing.T) {
		got := Reconcile(ctx, all, []*ChangeRecord{record("c", t0), record("a", t0), record("b", t0.Add(-time.Second))}, nil)
		require.Equal(t, []string{"b", "a", "c"}, FileIDs(got))
	})
	t.Run("allowlist applies to scoped watches", func(t *testing.T) {
		scoped := &WatchScope{Name: "contracts", Files: []string{"a"}}
		changes := []*ChangeRecord{record("a", t0), record("b", t0)}
		require.Equal(t, []string{"a"}, FileIDs(Reconcile(ctx, scoped, changes, []string{"a"})))
		require.Empty(t, Reconcile(ctx, scoped, changes, nil))
		require.Len(t, Reconcile(ctx, all, changes, []string{"a"}), 2)
	})
	t.Run("filter", func(t *testing.T) {
		env, err := NewCELEnv()
		require.NoError(t, err)
		scope := &WatchScope{Name: "docs"}
		scope.Filter.raw = `file.name.endsWith(".pdf")`
		require.NoError(t, scope.Filter.Bind(env))
		pdf := record("p", t0)
		pdf.Name = "p.pdf"
		got := Reconcile(ctx, scope, []*ChangeRecord{record("a", t0), pdf}, nil)
		require.Equal(t, []string{"p"}, FileIDs(got))
	})
	t.Run("unset filter keeps everything", func(t *testing.T) {
		env, err := NewCELEnv()
		require.NoError(t, err)
		bound := &WatchScope{Name: "bound"}
		require.NoError(t, bound.Filter.Bind(env))
		for _, scope := range []*WatchScope{bound, {Name: "unbound"}} {
			got := Reconcile(ctx, scope, []*ChangeRecord{record("a", t0)}, nil)
			require.Equal(t, []string{"a"}, FileIDs(got), scope.Name)
		}
	})
	t.Run("static false filter drops everything", func(t *testing.T) {
		env, err := NewCELEnv()
		require.NoError(t, err)
		scope := &WatchScope{Name: "off"}
		scope.Filter.raw = "false"
		require.NoError(t, scope.Filter.Bind(env))
		require.Empty(t, Reconcile(ctx, scope, []*ChangeRecord{record("a", t0)}, nil))
	})
}

func TestNeedsAllowlist(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	scoped := &WatchScope{Name: "contracts", FolderMarker: "--watched"}
	removed := record("r", t0)
	removed.Removed = true

	require.False(t, needsAllowlist(&WatchScope{Name: "all"}, []*ChangeRecord{record("a", t0)}))
	require.False(t, needsAllowlist(scoped, []*ChangeRecord{removed}))
	require.False(t, needsAllowlist(scoped, nil))
	require.True(t, needsAllowlist(scoped, []*ChangeRecord{removed, record("a", t0)}))
}

func TestReconcile_FolderRemovedFile(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	folder := record("A", t0)
	folder.MimeType = FolderMimeType
	removed := &ChangeRecord{ObjectID: "B", Removed: true, Timestamp: t0, ChangeType: "file"}
	got := Reconcile(context.Background(), &WatchScope{Name: DefaultScopeKey}, []*ChangeRecord{folder, removed, record("C", t0)}, nil)
	require.Equal(t, []string{"C"}, FileIDs(got))
}
