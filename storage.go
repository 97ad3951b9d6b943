package drivewatch

import (
	"context"
	"errors"
	"fmt"
)

// StorageOption contains configuration for the sync state store.
//
// Supported storage types:
//   - "dynamodb": one item per scope in an Amazon DynamoDB table (default)
//   - "s3": one JSON object per scope in an Amazon S3 bucket
//   - "file": a single local JSON file guarded by a file lock (development)
type StorageOption struct {
	Type       string `help:"storage type" default:"dynamodb" enum:"dynamodb,s3,file" env:"DRIVEWATCH_STORAGE_TYPE"`
	TableName  string `help:"dynamodb table name" default:"drivewatch" env:"DRIVEWATCH_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"DRIVEWATCH_DDB_AUTO_CREATE" negatable:""`
	Bucket     string `help:"s3 bucket name (s3 type only)" env:"DRIVEWATCH_STORAGE_S3_BUCKET"`
	Prefix     string `help:"s3 object key prefix (s3 type only)" default:"drivewatch/state/" env:"DRIVEWATCH_STORAGE_S3_PREFIX"`
	DataFile   string `help:"file storage data file" default:"drivewatch.json" env:"DRIVEWATCH_FILE_STORAGE_DATA_FILE"`
	LockFile   string `help:"file storage lock file" default:"drivewatch.lock" env:"DRIVEWATCH_FILE_STORAGE_LOCK_FILE"`
}

// Storage persists one SyncState per watched scope.
//
// Save is a conditional write: it succeeds only when the stored revision
// equals state.Revision (0 means the record must not exist yet), and on
// success it increments state.Revision. A lost race returns *StateConflict.
type Storage interface {
	FindAll(context.Context) (<-chan []*SyncState, error)
	Load(ctx context.Context, scopeKey string) (*SyncState, error)
	Save(context.Context, *SyncState) error
	Delete(context.Context, *SyncState) error
}

type StateNotFound struct {
	ScopeKey string
}

func (err *StateNotFound) Error() string {
	return fmt.Sprintf("scope:%s sync state not found", err.ScopeKey)
}

type StateConflict struct {
	ScopeKey string
	Revision int64
}

func (err *StateConflict) Error() string {
	return fmt.Sprintf("scope:%s sync state revision %d is stale", err.ScopeKey, err.Revision)
}

func isStateNotFound(err error) bool {
	var nf *StateNotFound
	return errors.As(err, &nf)
}

func isStateConflict(err error) bool {
	var c *StateConflict
	return errors.As(err, &c)
}

func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	case "s3":
		return NewS3Storage(ctx, cfg)
	case "file":
		return NewFileStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}
