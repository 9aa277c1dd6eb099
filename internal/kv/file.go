package kv

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps every key in one JSON document. Each operation re-reads the
// file, so a second process sharing the path (the drain CLI, for one) always
// sees current state. Writes go through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex

	statMu    sync.Mutex
	lastWrite fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

type fileStoreState struct {
	Keys map[string]json.RawMessage `json:"keys"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := state.Keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) {
		return value, nil
	})
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) {
		return nil, nil
	})
}

func (s *FileStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" || fn == nil {
		return ErrInvalidInput
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	var current []byte
	if value, ok := state.Keys[key]; ok {
		current = append([]byte(nil), value...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if _, ok := state.Keys[key]; !ok {
			return nil
		}
		delete(state.Keys, key)
	} else {
		if !json.Valid(next) {
			return ErrInvalidInput
		}
		state.Keys[key] = append(json.RawMessage(nil), next...)
	}
	return s.save(state)
}

func (s *FileStore) Close() error {
	return nil
}

// Watch calls onChange whenever the backing file is replaced by someone other
// than this store. It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return ErrInvalidInput
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if s.isOwnWrite() {
				continue
			}
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func (s *FileStore) lock() (func(), error) {
	s.mu.Lock()
	release, err := lockFile(s.path + ".lock")
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) load() (*fileStoreState, error) {
	state := &fileStoreState{Keys: map[string]json.RawMessage{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Keys == nil {
		state.Keys = map[string]json.RawMessage{}
	}
	return state, nil
}

func (s *FileStore) save(state *fileStoreState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.statMu.Lock()
		s.lastWrite = fileStamp{size: info.Size(), modTime: info.ModTime()}
		s.statMu.Unlock()
	}
	return nil
}

func (s *FileStore) isOwnWrite() bool {
	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return info.Size() == s.lastWrite.size && info.ModTime().Equal(s.lastWrite.modTime)
}
