// Package drivewatchevent provides types for drivewatch event payloads.
// These types can be used by downstream ingestion workers to unmarshal
// drivewatch events delivered through EventBridge or the event file.
//
//	func handler(ctx context.Context, event drivewatchevent.Event) error {
//	    for _, id := range event.Detail.FileIDs {
//	        fmt.Println(event.Detail.Scope, id)
//	    }
//	}
package drivewatchevent

import "time"

// DetailTypeFileChanged is the detail-type of a forwarded file change.
const DetailTypeFileChanged = "Drive File Changed"

// Event represents the full EventBridge event from drivewatch.
type Event struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the event detail payload.
// FileIDs always holds the reconciled, deduplicated IDs of the batch the
// event belongs to, Change describes the single file this event is about.
type Detail struct {
	Scope   string   `json:"scope"`
	DriveID string   `json:"driveId,omitempty"`
	FileIDs []string `json:"fileIds"`
	Change  *Change  `json:"change,omitempty"`
}

// Change represents a change to a file as reported by the Drive change feed.
type Change struct {
	Kind       string `json:"kind,omitempty"`
	ChangeType string `json:"changeType"`
	Time       string `json:"time"`
	Removed    bool   `json:"removed,omitempty"`
	FileID     string `json:"fileId"`
	File       *File  `json:"file,omitempty"`
	DriveID    string `json:"driveId,omitempty"`
}

// File represents a Google Drive file.
type File struct {
	Kind         string   `json:"kind,omitempty"`
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Size         string   `json:"size,omitempty"`
	Version      string   `json:"version,omitempty"`
	CreatedTime  string   `json:"createdTime,omitempty"`
	ModifiedTime string   `json:"modifiedTime,omitempty"`
	Trashed      bool     `json:"trashed,omitempty"`
	Parents      []string `json:"parents,omitempty"`
}
