package vectorizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

// ModelStore persists the active model artifact per model key.
type ModelStore interface {
	// Load returns knowledge.ErrModelNotFound when key has no model.
	Load(ctx context.Context, key string) (*Model, error)
	Save(ctx context.Context, m *Model) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	models map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Model, error) {
	s.mu.RLock()
	data, ok := s.models[key]
	s.mu.RUnlock()
	if !ok {
		return nil, knowledge.ErrModelNotFound
	}
	return Decode(data)
}

func (s *MemoryStore) Save(_ context.Context, m *Model) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.models[m.Key] = data
	s.mu.Unlock()
	return nil
}

// FileStore keeps one JSON artifact per key under dir.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorizer: create model dir: %w", err)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, slug.Make(key)+"-"+hex.EncodeToString(sum[:4])+".json")
}

func (s *FileStore) Load(_ context.Context, key string) (*Model, error) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, knowledge.ErrModelNotFound
		}
		return nil, fmt.Errorf("vectorizer: read model: %w", err)
	}
	return Decode(data)
}

// Save writes to a temporary file and renames it so readers never see a partial artifact.
func (s *FileStore) Save(_ context.Context, m *Model) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.path(m.Key)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("vectorizer: write model: %w", err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("vectorizer: commit model: %w", err)
	}
	return nil
}

type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "skynet"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":model:" + key
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Model, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, knowledge.ErrModelNotFound
		}
		return nil, knowledge.StoreError("load model", err)
	}
	return Decode(data)
}

func (s *RedisStore) Save(ctx context.Context, m *Model) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(m.Key), data, 0).Err(); err != nil {
		return knowledge.StoreError("save model", err)
	}
	return nil
}
