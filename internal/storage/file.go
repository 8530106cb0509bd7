package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "validatord/pkg/logx"
)

// fileStore keeps everything under a path prefix:
//   - <prefix>.<key>.state.json (one snapshot per key, replaced atomically)
//   - <prefix>.events.jsonl     (append-only JSON Lines)
type fileStore struct {
	log    logx.Logger
	prefix string

	mu     sync.Mutex
	events *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ef, err := os.OpenFile(prefix+".events.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return &fileStore{log: log, prefix: prefix, events: ef}, nil
}

func (s *fileStore) statePath(key string) string {
	return s.prefix + "." + key + ".state.json"
}

func (s *fileStore) SaveState(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return ErrClosed
	}

	dst := s.statePath(key)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	// The snapshot must be on disk before the rename makes it visible.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (s *fileStore) LoadState(ctx context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil, false, ErrClosed
	}
	b, err := os.ReadFile(s.statePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) AppendEvent(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.events).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil
	}
	err := s.events.Close()
	s.events = nil
	return err
}
