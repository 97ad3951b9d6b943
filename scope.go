package drivewatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
)

// DefaultScopeKey names the single scope used when no watch config is given.
const DefaultScopeKey = "default"

// WatchConfig is the watch configuration loaded from --watch-config.
//
//	scopes:
//	  - name: contracts
//	    drive_id: 0AbCdEf
//	    folder_marker: "--watched"
//	    filter: file.mimeType != "image/png"
//	  - name: handbook
//	    files: ["1xYz..."]
type WatchConfig struct {
	Scopes []*WatchScope `yaml:"scopes"`
}

// WatchScope is one independently synchronized slice of the provider.
// A scope with no files, folders or folder_marker watches every item the
// credentials can access.
type WatchScope struct {
	Name         string     `yaml:"name"`
	DriveID      string     `yaml:"drive_id,omitempty"`
	Files        []string   `yaml:"files,omitempty"`
	Folders      []string   `yaml:"folders,omitempty"`
	FolderMarker string     `yaml:"folder_marker,omitempty"`
	Filter       ExprOrBool `yaml:"filter,omitempty"`
}

var scopeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// IsAll reports whether the scope watches every accessible item.
func (s *WatchScope) IsAll() bool {
	return len(s.Files) == 0 && len(s.Folders) == 0 && s.FolderMarker == ""
}

func (s *WatchScope) EffectiveDriveID() string {
	return coalesce(s.DriveID, DefaultDriveID)
}

func LoadWatchConfig(path string, env *CELEnv) (*WatchConfig, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open watch config file: %w", err)
	}
	defer f.Close()
	return ParseWatchConfig(f, env)
}

func ParseWatchConfig(r io.Reader, env *CELEnv) (*WatchConfig, error) {
	var cfg WatchConfig
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse watch config: %w", err)
	}
	if err := cfg.Bind(env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultWatchConfig watches everything in driveID under the "default" scope.
func DefaultWatchConfig(driveID string, env *CELEnv) (*WatchConfig, error) {
	cfg := &WatchConfig{
		Scopes: []*WatchScope{
			{Name: DefaultScopeKey, DriveID: driveID},
		},
	}
	if err := cfg.Bind(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Bind validates scope names and compiles the CEL expressions of every scope.
func (c *WatchConfig) Bind(env *CELEnv) error {
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	seen := make(map[string]struct{}, len(c.Scopes))
	for i, scope := range c.Scopes {
		if !scopeNamePattern.MatchString(scope.Name) {
			return fmt.Errorf("scope[%d]: invalid name %q", i, scope.Name)
		}
		if _, ok := seen[scope.Name]; ok {
			return fmt.Errorf("scope[%d]: duplicate name %q", i, scope.Name)
		}
		seen[scope.Name] = struct{}{}
		if err := scope.Filter.Bind(env); err != nil {
			return fmt.Errorf("scope[%d].filter: %w", i, err)
		}
	}
	return nil
}

func (c *WatchConfig) Scope(name string) (*WatchScope, bool) {
	for _, s := range c.Scopes {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (c *WatchConfig) ScopeNames() []string {
	return Map(c.Scopes, func(s *WatchScope) string {
		return s.Name
	})
}

func quoteQuery(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

const parentsPerQuery = 20

// ResolveAllowlist lists the files the scope currently watches: its explicit
// files plus the direct, non-folder children of its folders and of every
// folder whose name contains the folder marker.
func ResolveAllowlist(ctx context.Context, feed ChangeFeed, scope *WatchScope) ([]string, error) {
	entries, err := resolveWatchedEntries(ctx, feed, scope)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, f := range entries {
		ids = append(ids, f.ID)
	}
	slog.InfoContext(ctx, "resolved watched files", "scope", scope.Name, "files", len(ids))
	return ids, nil
}

// resolveWatchedEntries is ResolveAllowlist keeping the listed metadata.
// Explicit files carry their ID only. Entries are sorted by ID.
func resolveWatchedEntries(ctx context.Context, feed ChangeFeed, scope *WatchScope) ([]*FileEntry, error) {
	driveID := scope.EffectiveDriveID()
	folders := slices.Clone(scope.Folders)
	if scope.FolderMarker != "" {
		q := fmt.Sprintf("name contains %s and mimeType = %s and trashed = false",
			quoteQuery(scope.FolderMarker), quoteQuery(FolderMimeType))
		marked, err := feed.ListFiles(ctx, driveID, q)
		if err != nil {
			return nil, fmt.Errorf("list marked folders: %w", err)
		}
		for _, f := range marked {
			folders = append(folders, f.ID)
		}
		slog.DebugContext(ctx, "resolved marked folders", "scope", scope.Name, "folder_marker", scope.FolderMarker, "folders", len(marked))
	}
	slices.Sort(folders)
	folders = slices.Compact(folders)

	byID := make(map[string]*FileEntry, len(scope.Files))
	for _, id := range scope.Files {
		byID[id] = &FileEntry{ID: id}
	}
	for chunk := range slices.Chunk(folders, parentsPerQuery) {
		parents := Map(chunk, func(id string) string {
			return quoteQuery(id) + " in parents"
		})
		q := fmt.Sprintf("(%s) and trashed = false", strings.Join(parents, " or "))
		files, err := feed.ListFiles(ctx, driveID, q)
		if err != nil {
			return nil, fmt.Errorf("list watched folder children: %w", err)
		}
		for _, f := range files {
			if f.MimeType == FolderMimeType {
				continue
			}
			byID[f.ID] = f
		}
	}
	entries := slices.Collect(maps.Values(byID))
	slices.SortFunc(entries, func(a, b *FileEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return entries, nil
}
