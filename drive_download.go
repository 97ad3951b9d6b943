package drivewatch

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"google.golang.org/api/drive/v3"
)

// ExportMIMETypes maps export format names to MIME types.
// Used for exporting Google Workspace files to standard formats.
var ExportMIMETypes = map[string]string{
	"pdf":  "application/pdf",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"csv":  "text/csv",
	"txt":  "text/plain",
	"html": "text/html",
	"odt":  "application/vnd.oasis.opendocument.text",
}

// Fetcher retrieves the content of a changed file.
type Fetcher interface {
	Fetch(ctx context.Context, c *ChangeRecord, exportFormat string) (*DownloadResult, error)
}

// DriveDownloader fetches file content from Google Drive, downloading
// regular files and exporting Google Workspace documents.
type DriveDownloader struct {
	svc     *drive.Service
	limiter *RateLimiter
}

func NewDriveDownloader(svc *drive.Service, limiter *RateLimiter) *DriveDownloader {
	if limiter == nil {
		limiter = NewRateLimiter(0, 1)
	}
	return &DriveDownloader{svc: svc, limiter: limiter}
}

// DownloadResult contains the result of a download or export operation.
// Extension is the file name extension (with the leading dot) the content
// should be staged under, or empty when unknown.
type DownloadResult struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	Extension   string
}

func (d *DriveDownloader) Download(ctx context.Context, fileID string) (*DownloadResult, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := d.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, classifyError("files:get "+fileID, err, false)
	}
	return &DownloadResult{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// Export exports a Google Workspace file to the specified format.
func (d *DriveDownloader) Export(ctx context.Context, fileID, format string) (*DownloadResult, error) {
	format = strings.ToLower(format)
	mimeType, ok := ExportMIMETypes[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := d.svc.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, classifyError(fmt.Sprintf("files:export %s as %s", fileID, format), err, false)
	}
	return &DownloadResult{
		Body:        resp.Body,
		ContentType: mimeType,
		Size:        resp.ContentLength,
		Extension:   "." + format,
	}, nil
}

// IsGoogleWorkspaceFile returns true if the MIME type is a Google Workspace file.
func IsGoogleWorkspaceFile(mimeType string) bool {
	return strings.HasPrefix(mimeType, "application/vnd.google-apps.")
}

// Fetch exports Google Workspace files (default: pdf) and downloads everything else.
func (d *DriveDownloader) Fetch(ctx context.Context, c *ChangeRecord, exportFormat string) (*DownloadResult, error) {
	if IsGoogleWorkspaceFile(c.MimeType) {
		return d.Export(ctx, c.ObjectID, coalesce(exportFormat, "pdf"))
	}
	res, err := d.Download(ctx, c.ObjectID)
	if err != nil {
		return nil, err
	}
	res.Extension = strings.ToLower(path.Ext(c.Name))
	return res, nil
}
