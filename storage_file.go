package drivewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// FileStorage keeps every scope's SyncState in one local JSON document.
// Each operation reads and rewrites the document while holding an OS file lock.
type FileStorage struct {
	LockFile string
	FilePath string
}

type fileStorageData struct {
	States map[string]*SyncState `json:"states"`
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	s := &FileStorage{
		FilePath: cfg.DataFile,
		LockFile: cfg.LockFile,
	}
	return s, nil
}

func (s *FileStorage) FindAll(ctx context.Context) (<-chan []*SyncState, error) {
	ch := make(chan []*SyncState, 1)
	go func() {
		defer close(ch)
		if err := s.transactional(ctx, false, func(data *fileStorageData) error {
			keys := make([]string, 0, len(data.States))
			for key := range data.States {
				keys = append(keys, key)
			}
			slices.Sort(keys)
			ch <- Map(keys, func(key string) *SyncState {
				return data.States[key]
			})
			return nil
		}); err != nil {
			slog.ErrorContext(ctx, "failed background sync states read", "error", err)
		}
	}()
	return ch, nil
}

func (s *FileStorage) Load(ctx context.Context, scopeKey string) (*SyncState, error) {
	var ret *SyncState
	if err := s.transactional(ctx, false, func(data *fileStorageData) error {
		state, ok := data.States[scopeKey]
		if !ok {
			return &StateNotFound{ScopeKey: scopeKey}
		}
		ret = state
		return nil
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileStorage) Save(ctx context.Context, state *SyncState) error {
	return s.transactional(ctx, true, func(data *fileStorageData) error {
		var current int64
		if stored, ok := data.States[state.ScopeKey]; ok {
			current = stored.Revision
		}
		if current != state.Revision {
			slog.DebugContext(ctx, "sync state revision mismatch", "scope", state.ScopeKey, "stored", current, "given", state.Revision)
			return &StateConflict{ScopeKey: state.ScopeKey, Revision: state.Revision}
		}
		next := state.Clone()
		next.Revision = current + 1
		data.States[state.ScopeKey] = next
		state.Revision = next.Revision
		return nil
	})
}

func (s *FileStorage) Delete(ctx context.Context, state *SyncState) error {
	return s.transactional(ctx, true, func(data *fileStorageData) error {
		delete(data.States, state.ScopeKey)
		return nil
	})
}

func (s *FileStorage) transactional(ctx context.Context, write bool, fn func(*fileStorageData) error) error {
	fileLock := flock.New(s.LockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file storage lock failed", "lock_file", s.LockFile, "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		if err == nil {
			err = errors.New("lock is held by another process")
		}
		return fmt.Errorf("cannot get lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "lock_file", s.LockFile, "error", err)
		}
	}()
	data, err := s.restore()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	if !write {
		return nil
	}
	if err := s.store(data); err != nil {
		return err
	}
	slog.DebugContext(ctx, "file storage store success", "data_file", s.FilePath)
	return nil
}

func (s *FileStorage) restore() (*fileStorageData, error) {
	data := &fileStorageData{}
	bs, err := os.ReadFile(s.FilePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read file storage: %w", err)
	}
	if len(bs) > 0 {
		if err := json.Unmarshal(bs, data); err != nil {
			return nil, fmt.Errorf("decode file storage: %w", err)
		}
	}
	if data.States == nil {
		data.States = make(map[string]*SyncState)
	}
	return data, nil
}

// store writes a temporary file and renames it over the data file.
func (s *FileStorage) store(data *fileStorageData) error {
	bs, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode file storage: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.FilePath), filepath.Base(s.FilePath)+".tmp*")
	if err != nil {
		return fmt.Errorf("create file storage: %w", err)
	}
	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write file storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.FilePath)
}
