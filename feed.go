package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Songmu/flextime"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// DefaultDriveID selects the user's My Drive and every shared drive the
// credentials can see, instead of one specific shared drive.
const DefaultDriveID = "__default__"

// FolderMimeType is the MIME type Google Drive uses for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// ChangeRecord is a single entry of the provider's change feed.
type ChangeRecord struct {
	ObjectID   string
	Removed    bool
	Timestamp  time.Time
	MimeType   string
	Name       string
	ChangeType string
	Trashed    bool
	Parents    []string
	DriveID    string

	Raw *drive.Change
}

// FileEntry is a file returned by a files.list query.
type FileEntry struct {
	ID       string
	Name     string
	MimeType string
	Parents  []string
}

type WatchRequest struct {
	ChannelID  string
	Address    string
	Token      string
	Expiration time.Time
	DriveID    string
	PageToken  string
}

type WatchResponse struct {
	ResourceID string
	Expiration time.Time
}

// ChangeFeed is the provider-side change feed of a drive.
type ChangeFeed interface {
	GetStartPageToken(ctx context.Context, driveID string) (string, error)
	Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error)
	Stop(ctx context.Context, channelID, resourceID string) error
	PullChanges(ctx context.Context, driveID, cursor string) ([]*ChangeRecord, string, error)
	ListFiles(ctx context.Context, driveID, query string) ([]*FileEntry, error)
}

var driveFields = fmt.Sprintf("drive(%s)", strings.Join(
	[]string{"id", "name", "kind", "createdTime", "hidden"},
	",",
))
var fileFields = fmt.Sprintf("file(%s)", strings.Join(
	[]string{"id", "name", "driveId", "kind", "mimeType", "modifiedTime", "trashed", "version", "size", "createdTime", "parents"},
	",",
))
var changesFields = fmt.Sprintf("changes(%s)", strings.Join(
	[]string{"time", "kind", "removed", "fileId", "changeType", "driveId", driveFields, fileFields},
	",",
))

// DriveChangeFeed implements ChangeFeed with the Google Drive v3 API.
type DriveChangeFeed struct {
	svc      *drive.Service
	limiter  *RateLimiter
	pageSize int64
}

func NewDriveChangeFeed(svc *drive.Service, limiter *RateLimiter, pageSize int64) *DriveChangeFeed {
	if limiter == nil {
		limiter = NewRateLimiter(0, 1)
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &DriveChangeFeed{
		svc:      svc,
		limiter:  limiter,
		pageSize: pageSize,
	}
}

func (f *DriveChangeFeed) wait(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (f *DriveChangeFeed) classify(ctx context.Context, op string, err error, cursorOp bool) error {
	err = classifyError(op, err, cursorOp)
	if errors.Is(err, ErrRateLimited) {
		d := retryAfter(err)
		slog.WarnContext(ctx, "drive API rate limited", "op", op, "retry_after", d)
		f.limiter.RecordRateLimitError(d)
	}
	return err
}

func (f *DriveChangeFeed) GetStartPageToken(ctx context.Context, driveID string) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	call := f.svc.Changes.GetStartPageToken().SupportsAllDrives(true)
	if driveID != DefaultDriveID && driveID != "" {
		call = call.DriveId(driveID)
	}
	token, err := call.Context(ctx).Do()
	if err != nil {
		return "", f.classify(ctx, "changes:getStartPageToken", err, false)
	}
	if token.StartPageToken == "" {
		return "", fmt.Errorf("drive API changes:getStartPageToken: %w", ErrMissingCursor)
	}
	slog.DebugContext(ctx, "got start page token", "drive_id", driveID, "start_page_token", token.StartPageToken)
	return token.StartPageToken, nil
}

func (f *DriveChangeFeed) Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	call := f.svc.Changes.Watch(req.PageToken, &drive.Channel{
		Id:         req.ChannelID,
		Address:    req.Address,
		Token:      req.Token,
		Expiration: req.Expiration.UnixMilli(),
		Type:       "web_hook",
		Payload:    true,
	}).SupportsAllDrives(true).IncludeItemsFromAllDrives(true).IncludeCorpusRemovals(true)
	if req.DriveID != DefaultDriveID && req.DriveID != "" {
		call = call.DriveId(req.DriveID)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, f.classify(ctx, "changes:watch", err, true)
	}
	expiration := req.Expiration
	if resp.Expiration > 0 {
		expiration = time.UnixMilli(resp.Expiration).UTC()
	}
	slog.DebugContext(ctx, "watch accepted", "resource_id", resp.ResourceId, "resource_uri", resp.ResourceUri, "expiration", expiration.Format(time.RFC3339))
	return &WatchResponse{
		ResourceID: resp.ResourceId,
		Expiration: expiration,
	}, nil
}

// Stop stops a channel. A channel the provider no longer knows is treated
// as already stopped.
func (f *DriveChangeFeed) Stop(ctx context.Context, channelID, resourceID string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	err := f.svc.Channels.Stop(&drive.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err == nil {
		return nil
	}
	err = f.classify(ctx, "channels:stop", err, false)
	if errors.Is(err, ErrNotFound) {
		slog.InfoContext(ctx, "channel is already stopped", "channel_id", maskSecret(channelID), "resource_id", resourceID)
		return nil
	}
	return err
}

// PullChanges reads every change after cursor. The returned cursor is the
// feed's final newStartPageToken, never an intermediate page token.
// Calling it again with the same cursor yields the same records.
func (f *DriveChangeFeed) PullChanges(ctx context.Context, driveID, cursor string) ([]*ChangeRecord, string, error) {
	if cursor == "" {
		return nil, "", fmt.Errorf("drive API changes:list: %w", ErrMissingCursor)
	}
	records := make([]*ChangeRecord, 0, f.pageSize)
	pageToken := cursor
	for {
		if err := f.wait(ctx); err != nil {
			return nil, "", err
		}
		call := f.svc.Changes.List(pageToken).
			IncludeCorpusRemovals(true).
			IncludeItemsFromAllDrives(true).
			SupportsAllDrives(true).
			PageSize(f.pageSize).
			Fields("newStartPageToken", "nextPageToken", googleapi.Field(changesFields))
		if driveID != DefaultDriveID && driveID != "" {
			call = call.DriveId(driveID)
		}
		changeList, err := call.Context(ctx).Do()
		if err != nil {
			return nil, "", f.classify(ctx, "changes:list", err, true)
		}
		slog.DebugContext(ctx, "changes:list page",
			"drive_id", driveID,
			"page_token", pageToken,
			"changes", len(changeList.Changes),
			"next_page_token", coalesce(changeList.NextPageToken, "-"),
			"new_start_page_token", coalesce(changeList.NewStartPageToken, "-"),
		)
		for _, c := range changeList.Changes {
			records = append(records, newChangeRecord(ctx, c))
		}
		if changeList.NextPageToken == "" {
			if changeList.NewStartPageToken == "" {
				return nil, "", fmt.Errorf("drive API changes:list: %w", ErrMissingCursor)
			}
			return records, changeList.NewStartPageToken, nil
		}
		pageToken = changeList.NextPageToken
	}
}

func newChangeRecord(ctx context.Context, c *drive.Change) *ChangeRecord {
	r := &ChangeRecord{
		ObjectID:   c.FileId,
		Removed:    c.Removed,
		ChangeType: c.ChangeType,
		DriveID:    c.DriveId,
		Raw:        c,
	}
	if c.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, c.Time)
		if err != nil {
			slog.WarnContext(ctx, "change time parse failed", "time", c.Time, "file_id", c.FileId, "error", err)
			t = flextime.Now()
		}
		r.Timestamp = t
	}
	if c.File != nil {
		r.MimeType = c.File.MimeType
		r.Name = c.File.Name
		r.Trashed = c.File.Trashed
		r.Parents = c.File.Parents
		if r.ObjectID == "" {
			r.ObjectID = c.File.Id
		}
	}
	return r
}

func (f *DriveChangeFeed) ListFiles(ctx context.Context, driveID, query string) ([]*FileEntry, error) {
	entries := make([]*FileEntry, 0)
	pageToken := ""
	for {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		call := f.svc.Files.List().
			Q(query).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			PageSize(f.pageSize).
			Fields("nextPageToken", "files(id,name,mimeType,parents)")
		if driveID != DefaultDriveID && driveID != "" {
			call = call.Corpora("drive").DriveId(driveID)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		fileList, err := call.Context(ctx).Do()
		if err != nil {
			return nil, f.classify(ctx, "files:list", err, false)
		}
		for _, file := range fileList.Files {
			entries = append(entries, &FileEntry{
				ID:       file.Id,
				Name:     file.Name,
				MimeType: file.MimeType,
				Parents:  file.Parents,
			})
		}
		if fileList.NextPageToken == "" {
			slog.DebugContext(ctx, "files:list", "drive_id", driveID, "query", query, "files", len(entries))
			return entries, nil
		}
		pageToken = fileList.NextPageToken
	}
}
