package drivewatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3StorageClient is the subset of the Amazon S3 API used by S3Storage.
// This is satisfied by *s3.Client.
type S3StorageClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Storage stores each scope's SyncState as a JSON object under a prefix.
// Writes use S3 conditional requests: If-None-Match on create and If-Match
// with the ETag observed at load time on update.
type S3Storage struct {
	client S3StorageClient
	bucket string
	prefix string
}

func NewS3Storage(_ context.Context, cfg StorageOption) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 storage requires --storage-bucket")
	}
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func NewS3StorageWithClient(client S3StorageClient, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Storage) objectKey(scopeKey string) string {
	return path.Join(s.prefix, scopeKey+".json")
}

func isS3ErrorCode(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, code := range codes {
		if ae.ErrorCode() == code {
			return true
		}
	}
	return false
}

func (s *S3Storage) getObject(ctx context.Context, key string) (*SyncState, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()
	bs, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	var state SyncState
	if err := json.Unmarshal(bs, &state); err != nil {
		return nil, fmt.Errorf("decode s3://%s/%s: %w", s.bucket, key, err)
	}
	state.etag = aws.ToString(output.ETag)
	return &state, nil
}

func (s *S3Storage) Load(ctx context.Context, scopeKey string) (*SyncState, error) {
	key := s.objectKey(scopeKey)
	state, err := s.getObject(ctx, key)
	if err != nil {
		if isS3ErrorCode(err, "NoSuchKey", "NotFound") {
			return nil, &StateNotFound{ScopeKey: scopeKey}
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	return state, nil
}

func (s *S3Storage) Save(ctx context.Context, state *SyncState) error {
	key := s.objectKey(state.ScopeKey)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/json"),
	}
	if state.Revision == 0 {
		input.IfNoneMatch = aws.String("*")
	} else {
		etag := state.etag
		if etag == "" {
			current, err := s.Load(ctx, state.ScopeKey)
			if err != nil {
				if isStateNotFound(err) {
					return &StateConflict{ScopeKey: state.ScopeKey, Revision: state.Revision}
				}
				return err
			}
			if current.Revision != state.Revision {
				return &StateConflict{ScopeKey: state.ScopeKey, Revision: state.Revision}
			}
			etag = current.etag
		}
		input.IfMatch = aws.String(etag)
	}
	next := state.Clone()
	next.Revision = state.Revision + 1
	bs, err := json.Marshal(next)
	if err != nil {
		return err
	}
	input.Body = bytes.NewReader(bs)
	output, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isS3ErrorCode(err, "PreconditionFailed", "ConditionalRequestConflict") {
			slog.DebugContext(ctx, "conditional put object failed", "scope", state.ScopeKey, "revision", state.Revision)
			return &StateConflict{ScopeKey: state.ScopeKey, Revision: state.Revision}
		}
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	state.Revision = next.Revision
	state.etag = aws.ToString(output.ETag)
	slog.DebugContext(ctx, "put object", "scope", state.ScopeKey, "revision", state.Revision, "bucket", s.bucket, "key", key)
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, state *SyncState) error {
	key := s.objectKey(state.ScopeKey)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	slog.InfoContext(ctx, "delete object", "scope", state.ScopeKey, "bucket", s.bucket, "key", key)
	return nil
}

func (s *S3Storage) FindAll(ctx context.Context) (<-chan []*SyncState, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	ch := make(chan []*SyncState, 1)
	go func() {
		defer close(ch)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "list state objects failed", "bucket", s.bucket, "prefix", s.prefix, "error", err)
				return
			}
			states := make([]*SyncState, 0, len(page.Contents))
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if !strings.HasSuffix(key, ".json") {
					continue
				}
				state, err := s.getObject(ctx, key)
				if err != nil {
					slog.WarnContext(ctx, "read state object failed", "bucket", s.bucket, "key", key, "error", err)
					continue
				}
				states = append(states, state)
			}
			ch <- states
		}
	}()
	return ch, nil
}
