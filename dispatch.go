package drivewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/drivewatch/pkg/drivewatchevent"
)

// DispatchOption contains configuration for forwarding reconciled changes.
//
// Supported dispatch types:
//   - "eventbridge": one event per changed file on an Amazon EventBridge bus (default)
//   - "file": newline-delimited JSON events appended to a local file (development)
//   - "s3": fetch each changed file from Drive and stage it in Amazon S3
type DispatchOption struct {
	Type        string `help:"dispatch type" default:"eventbridge" enum:"eventbridge,file,s3" env:"DRIVEWATCH_DISPATCH_TYPE"`
	EventBus    string `help:"event bus name (eventbridge type only)" default:"default" env:"DRIVEWATCH_EVENTBRIDGE_EVENT_BUS"`
	EventFile   string `help:"event file path (file type only)" default:"drivewatch.ndjson" env:"DRIVEWATCH_EVENT_FILE"`
	Bucket      string `help:"staging bucket name (s3 type only)" env:"DRIVEWATCH_DISPATCH_S3_BUCKET"`
	Prefix      string `help:"staging object key prefix (s3 type only)" default:"drivewatch/files" env:"DRIVEWATCH_DISPATCH_S3_PREFIX"`
	ObjectKey   string `help:"staging object key, static or CEL expression (s3 type only)" env:"DRIVEWATCH_DISPATCH_S3_OBJECT_KEY"`
	Export      string `help:"export format for Google Workspace files (s3 type only)" default:"pdf" env:"DRIVEWATCH_DISPATCH_S3_EXPORT"`
	Parallelism int    `help:"max files staged in parallel (s3 type only)" default:"4" env:"DRIVEWATCH_DISPATCH_S3_PARALLELISM"`
}

// DispatchRequest is one reconciled batch of a scope.
// FileIDs is ordered and deduplicated; Changes holds the matching records.
type DispatchRequest struct {
	Scope   string
	DriveID string
	FileIDs []string
	Changes []*ChangeRecord
}

func (req *DispatchRequest) driveIDForEvent() string {
	if req.DriveID == DefaultDriveID {
		return ""
	}
	return req.DriveID
}

// change returns the record of fileID, synthesizing a bare one when absent.
func (req *DispatchRequest) change(fileID string) *ChangeRecord {
	for _, c := range req.Changes {
		if c.ObjectID == fileID {
			return c
		}
	}
	return &ChangeRecord{ObjectID: fileID, ChangeType: "file"}
}

// Dispatcher hands a reconciled batch to the downstream ingestion pipeline.
// Implementations must be safe for redelivery of the same batch.
type Dispatcher interface {
	Dispatch(context.Context, *DispatchRequest) error
}

func NewDispatcher(ctx context.Context, cfg DispatchOption, fetcher Fetcher, env *CELEnv) (Dispatcher, error) {
	switch cfg.Type {
	case "eventbridge":
		return NewEventBridgeDispatcher(ctx, cfg)
	case "file":
		return NewFileDispatcher(ctx, cfg)
	case "s3":
		return NewS3StagingDispatcher(ctx, cfg, fetcher, env)
	}
	return nil, errors.New("unknown dispatch type")
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeDispatcher sends one "Drive File Changed" event per file.
type EventBridgeDispatcher struct {
	client   EventBridgeClient
	eventBus string
}

func NewEventBridgeDispatcher(_ context.Context, cfg DispatchOption) (*EventBridgeDispatcher, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	return NewEventBridgeDispatcherWithClient(eventbridge.NewFromConfig(awsCfg), cfg.EventBus), nil
}

func NewEventBridgeDispatcherWithClient(client EventBridgeClient, eventBus string) *EventBridgeDispatcher {
	return &EventBridgeDispatcher{
		client:   client,
		eventBus: eventBus,
	}
}

func eventSource(scope string) string {
	return fmt.Sprintf("oss.drivewatch/%s", scope)
}

func (d *EventBridgeDispatcher) Dispatch(ctx context.Context, req *DispatchRequest) error {
	if len(req.FileIDs) == 0 {
		return nil
	}
	source := eventSource(req.Scope)
	convertor := func(fileID string) types.PutEventsRequestEntry {
		c := req.change(fileID)
		t := c.Timestamp
		if t.IsZero() {
			t = flextime.Now()
		}
		bs, err := json.Marshal(ConvertToDetail(req, c))
		if err != nil {
			slog.WarnContext(ctx, "detail marshal failed", "file_id", fileID, "error", err)
			bs = []byte("{}")
		}
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(d.eventBus),
			Resources:    []string{},
			Source:       aws.String(source),
			DetailType:   aws.String(drivewatchevent.DetailTypeFileChanged),
			Time:         aws.Time(t),
			Detail:       aws.String(string(bs)),
		}
	}
	var errs []error
	for entries := range slices.Chunk(Map(req.FileIDs, convertor), 10) {
		output, err := d.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "scope", req.Scope, "error", err)
			errs = append(errs, err)
			continue
		}
		for i, entry := range output.Entries {
			if entry.ErrorCode != nil {
				slog.ErrorContext(ctx, "put event error",
					"event_bus", d.eventBus,
					"error_code", aws.ToString(entry.ErrorCode),
					"error_message", aws.ToString(entry.ErrorMessage),
					"detail", aws.ToString(entries[i].Detail),
				)
				errs = append(errs, fmt.Errorf("put events failed error_code=%s, error_message=%s", aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage)))
				continue
			}
			slog.InfoContext(ctx, "put event", "event_bus", d.eventBus, "event_id", aws.ToString(entry.EventId), "scope", req.Scope)
		}
	}
	return errors.Join(errs...)
}

// FileDispatcher appends events to a local file as newline-delimited JSON.
type FileDispatcher struct {
	mu        sync.Mutex
	eventFile string
}

func NewFileDispatcher(_ context.Context, cfg DispatchOption) (*FileDispatcher, error) {
	return &FileDispatcher{
		eventFile: cfg.EventFile,
	}, nil
}

func (d *FileDispatcher) Dispatch(ctx context.Context, req *DispatchRequest) error {
	if len(req.FileIDs) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := os.OpenFile(d.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open event file %s: %w", d.eventFile, err)
	}
	defer fp.Close()
	encoder := json.NewEncoder(fp)
	slog.InfoContext(ctx, "output change events", "event_file", d.eventFile, "scope", req.Scope, "files", len(req.FileIDs))
	var errs []error
	for _, fileID := range req.FileIDs {
		c := req.change(fileID)
		t := c.Timestamp
		if t.IsZero() {
			t = flextime.Now()
		}
		event := drivewatchevent.Event{
			Version:    "0",
			DetailType: drivewatchevent.DetailTypeFileChanged,
			Source:     eventSource(req.Scope),
			Time:       t.UTC().Truncate(time.Millisecond),
			Resources:  []string{},
			Detail:     *ConvertToDetail(req, c),
		}
		if err := encoder.Encode(event); err != nil {
			slog.WarnContext(ctx, "write change event failed", "file_id", fileID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
