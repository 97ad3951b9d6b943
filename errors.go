package drivewatch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

var (
	// ErrNotFound indicates the provider does not know the requested resource.
	ErrNotFound = errors.New("drive: resource not found")

	// ErrCursorExpired indicates the change cursor is no longer accepted.
	// The scope must restart from a fresh starting cursor.
	ErrCursorExpired = errors.New("drive: change cursor expired")

	// ErrRateLimited indicates the API rate limit was exceeded.
	ErrRateLimited = errors.New("drive: rate limit exceeded")

	// ErrMissingCursor indicates the change feed ended without a resumption cursor.
	ErrMissingCursor = errors.New("drive: change feed returned no new start page token")
)

func googleAPIStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func retryAfter(err error) time.Duration {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Header == nil {
		return 0
	}
	secs, err := strconv.Atoi(gerr.Header.Get("Retry-After"))
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// classifyError maps a Drive API failure of op onto the package sentinels.
// cursorOp marks calls that consume a change cursor, where 404 means the
// cursor itself is gone.
func classifyError(op string, err error, cursorOp bool) error {
	switch googleAPIStatus(err) {
	case http.StatusGone:
		return fmt.Errorf("drive API %s: %w: %w", op, ErrCursorExpired, err)
	case http.StatusNotFound:
		if cursorOp {
			return fmt.Errorf("drive API %s: %w: %w", op, ErrCursorExpired, err)
		}
		return fmt.Errorf("drive API %s: %w: %w", op, ErrNotFound, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("drive API %s: %w: %w", op, ErrRateLimited, err)
	}
	return fmt.Errorf("drive API %s: %w", op, err)
}

// ChannelMismatch is returned when a delivery names a channel other than
// the one stored for its scope.
type ChannelMismatch struct {
	ScopeKey  string
	ChannelID string
}

func (err *ChannelMismatch) Error() string {
	return fmt.Sprintf("scope:%s channel_id:%s is not the active channel", err.ScopeKey, maskSecret(err.ChannelID))
}

// OrphanedChannelError is returned when a channel was registered with the
// provider but its identity could not be persisted. The channel keeps
// delivering until it expires and is never cleaned up automatically.
type OrphanedChannelError struct {
	ScopeKey   string
	ChannelID  string
	ResourceID string
	Err        error
}

func (err *OrphanedChannelError) Error() string {
	return fmt.Sprintf("scope:%s channel_id:%s resource_id:%s orphaned: %v", err.ScopeKey, maskSecret(err.ChannelID), err.ResourceID, err.Err)
}

func (err *OrphanedChannelError) Unwrap() error {
	return err.Err
}

// ScopeNotFound is returned for a scope key that is not configured.
type ScopeNotFound struct {
	ScopeKey string
}

func (err *ScopeNotFound) Error() string {
	return fmt.Sprintf("scope:%s is not configured", err.ScopeKey)
}
