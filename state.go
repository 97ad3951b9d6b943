package drivewatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Songmu/flextime"
)

// SyncState is the persisted synchronization record of one watched scope.
//
// It holds the identity of the active notification channel together with
// the resumption cursor, so that both are always written in a single
// conditional update.
type SyncState struct {
	ScopeKey           string
	ChannelID          string
	ResourceID         string
	Expiration         time.Time
	StartPageToken     string
	WebhookURL         string
	DriveID            string
	WatchedFiles       []string
	Stopped            bool
	PageTokenFetchedAt time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Revision is the optimistic concurrency token; 0 means "not stored yet".
	Revision int64

	etag string
}

type syncStateJSON struct {
	ScopeKey           string   `json:"scopeKey"`
	ChannelID          string   `json:"channelId"`
	ResourceID         string   `json:"resourceId"`
	Expiration         int64    `json:"expiration"`
	StartPageToken     string   `json:"startPageToken"`
	WebhookURL         string   `json:"webhookUrl"`
	DriveID            string   `json:"driveId,omitempty"`
	WatchedFiles       []string `json:"watchedFiles,omitempty"`
	Stopped            bool     `json:"stopped,omitempty"`
	PageTokenFetchedAt int64    `json:"pageTokenFetchedAt,omitempty"`
	CreatedAt          int64    `json:"createdAt,omitempty"`
	UpdatedAt          int64    `json:"updatedAt,omitempty"`
	Revision           int64    `json:"revision"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// MarshalJSON encodes timestamps as unix milliseconds, the same unit the
// Drive API uses for channel expiration.
func (s *SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(syncStateJSON{
		ScopeKey:           s.ScopeKey,
		ChannelID:          s.ChannelID,
		ResourceID:         s.ResourceID,
		Expiration:         unixMilli(s.Expiration),
		StartPageToken:     s.StartPageToken,
		WebhookURL:         s.WebhookURL,
		DriveID:            s.DriveID,
		WatchedFiles:       s.WatchedFiles,
		Stopped:            s.Stopped,
		PageTokenFetchedAt: unixMilli(s.PageTokenFetchedAt),
		CreatedAt:          unixMilli(s.CreatedAt),
		UpdatedAt:          unixMilli(s.UpdatedAt),
		Revision:           s.Revision,
	})
}

func (s *SyncState) UnmarshalJSON(data []byte) error {
	var v syncStateJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = SyncState{
		ScopeKey:           v.ScopeKey,
		ChannelID:          v.ChannelID,
		ResourceID:         v.ResourceID,
		Expiration:         fromUnixMilli(v.Expiration),
		StartPageToken:     v.StartPageToken,
		WebhookURL:         v.WebhookURL,
		DriveID:            v.DriveID,
		WatchedFiles:       v.WatchedFiles,
		Stopped:            v.Stopped,
		PageTokenFetchedAt: fromUnixMilli(v.PageTokenFetchedAt),
		CreatedAt:          fromUnixMilli(v.CreatedAt),
		UpdatedAt:          fromUnixMilli(v.UpdatedAt),
		Revision:           v.Revision,
	}
	return nil
}

// Clone returns a deep copy, keeping the storage concurrency token.
func (s *SyncState) Clone() *SyncState {
	c := *s
	if s.WatchedFiles != nil {
		c.WatchedFiles = append([]string(nil), s.WatchedFiles...)
	}
	return &c
}

// IsAboutToExpire reports whether the channel expires within remaining.
func (s *SyncState) IsAboutToExpire(ctx context.Context, remaining time.Duration) bool {
	now := flextime.Now()
	d := s.Expiration.Sub(now)
	slog.DebugContext(ctx, "check channel expiration",
		"remaining", d,
		"expiration", s.Expiration.Format(time.RFC3339),
		"now", now.Format(time.RFC3339),
		"scope", s.ScopeKey,
		"resource_id", s.ResourceID,
	)
	return d <= remaining
}

// IsExpired reports whether the provider has already stopped delivering.
func (s *SyncState) IsExpired() bool {
	return !s.Expiration.After(flextime.Now())
}

// IsActiveChannel reports whether channelID is the scope's current, running channel.
func (s *SyncState) IsActiveChannel(channelID string) bool {
	if s.Stopped || s.ChannelID == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.ChannelID), []byte(channelID)) == 1
}

// MaskedChannelID returns the channel ID reduced to its last 7 characters.
// Channel IDs double as the webhook shared secret and are never printed whole.
func (s *SyncState) MaskedChannelID() string {
	return maskSecret(s.ChannelID)
}

func maskSecret(v string) string {
	if v == "" {
		return "-"
	}
	if len(v) <= 7 {
		return "..."
	}
	return "..." + v[len(v)-7:]
}

// ChannelState is the lifecycle state of a scope's notification channel.
type ChannelState int

const (
	ChannelStateUninitialized ChannelState = iota
	ChannelStateActive
	ChannelStateExpiring
	ChannelStateStopped
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateUninitialized:
		return "UNINITIALIZED"
	case ChannelStateActive:
		return "ACTIVE"
	case ChannelStateExpiring:
		return "EXPIRING"
	case ChannelStateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ChannelStateOf derives the lifecycle state from a stored record.
// A nil state means no record exists.
func ChannelStateOf(ctx context.Context, s *SyncState, rotateRemaining time.Duration) ChannelState {
	switch {
	case s == nil || s.ChannelID == "":
		return ChannelStateUninitialized
	case s.Stopped:
		return ChannelStateStopped
	case s.IsAboutToExpire(ctx, rotateRemaining):
		return ChannelStateExpiring
	default:
		return ChannelStateActive
	}
}
