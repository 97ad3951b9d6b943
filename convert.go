package drivewatch

import (
	"strconv"
	"time"

	"github.com/mashiike/drivewatch/pkg/drivewatchevent"
	"google.golang.org/api/drive/v3"
)

func ConvertFile(f *drive.File) *drivewatchevent.File {
	if f == nil {
		return nil
	}
	var size string
	if f.Size > 0 {
		size = strconv.FormatInt(f.Size, 10)
	}
	var version string
	if f.Version > 0 {
		version = strconv.FormatInt(f.Version, 10)
	}
	return &drivewatchevent.File{
		Kind:         f.Kind,
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         size,
		Version:      version,
		CreatedTime:  f.CreatedTime,
		ModifiedTime: f.ModifiedTime,
		Trashed:      f.Trashed,
		Parents:      f.Parents,
	}
}

// ConvertChange builds the event representation of a change record.
// Records without a raw provider change (tests, replays) are rebuilt from
// their reconciled fields.
func ConvertChange(r *ChangeRecord) *drivewatchevent.Change {
	if r == nil {
		return nil
	}
	if c := r.Raw; c != nil {
		return &drivewatchevent.Change{
			Kind:       c.Kind,
			ChangeType: c.ChangeType,
			Time:       c.Time,
			Removed:    c.Removed,
			FileID:     r.ObjectID,
			File:       ConvertFile(c.File),
			DriveID:    c.DriveId,
		}
	}
	change := &drivewatchevent.Change{
		Kind:       "drive#change",
		ChangeType: r.ChangeType,
		Removed:    r.Removed,
		FileID:     r.ObjectID,
		DriveID:    r.DriveID,
		File: &drivewatchevent.File{
			Kind:     "drive#file",
			ID:       r.ObjectID,
			Name:     r.Name,
			MimeType: r.MimeType,
			Trashed:  r.Trashed,
			Parents:  r.Parents,
		},
	}
	if !r.Timestamp.IsZero() {
		change.Time = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return change
}

// ConvertToDetail builds the event detail for one change of a dispatched batch.
func ConvertToDetail(req *DispatchRequest, r *ChangeRecord) *drivewatchevent.Detail {
	return &drivewatchevent.Detail{
		Scope:   req.Scope,
		DriveID: req.driveIDForEvent(),
		FileIDs: req.FileIDs,
		Change:  ConvertChange(r),
	}
}
