package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// FileBackend persists one JSON snapshot per collection under dir.
type FileBackend struct {
	mu    sync.Mutex
	fs    afero.Fs
	dir   string
	cache map[string]*collection
}

type fileSnapshot struct {
	Dimension int          `json:"dimension"`
	Records   []fileRecord `json:"records"`
}

type fileRecord struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title,omitempty"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Vector     []float32 `json:"vector"`
}

func NewFileBackend(fs afero.Fs, dir string) (*FileBackend, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filesystem: ensure directory %q: %w", dir, err)
	}
	return &FileBackend{fs: fs, dir: dir, cache: make(map[string]*collection)}, nil
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

// load returns the cached collection, reading its snapshot on first access.
func (f *FileBackend) load(name string) (*collection, error) {
	if c, ok := f.cache[name]; ok {
		return c, nil
	}
	data, err := afero.ReadFile(f.fs, f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filesystem: read %q: %w", f.path(name), err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("filesystem: decode %q: %w", f.path(name), err)
	}
	c := newCollection(snap.Dimension)
	for i := range snap.Records {
		rec := snap.Records[i]
		c.Records[rec.ID] = Record{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			Title:      rec.Title,
			Index:      rec.Index,
			Text:       rec.Text,
			CreatedAt:  rec.CreatedAt,
			Vector:     rec.Vector,
		}
	}
	f.cache[name] = c
	return c, nil
}

func (f *FileBackend) persist(name string, c *collection) error {
	snap := fileSnapshot{Dimension: c.Dimension, Records: make([]fileRecord, 0, len(c.Records))}
	for id := range c.Records {
		rec := c.Records[id]
		snap.Records = append(snap.Records, fileRecord{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			Title:      rec.Title,
			Index:      rec.Index,
			Text:       rec.Text,
			CreatedAt:  rec.CreatedAt,
			Vector:     rec.Vector,
		})
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("filesystem: encode snapshot: %w", err)
	}
	tmp := f.path(name) + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("filesystem: write snapshot: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path(name)); err != nil {
		return fmt.Errorf("filesystem: commit snapshot: %w", err)
	}
	return nil
}

func (f *FileBackend) EnsureCollection(_ context.Context, name string, dim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.load(name)
	if err != nil {
		return err
	}
	if c != nil {
		return checkDimension(name, c.Dimension, dim)
	}
	c = newCollection(dim)
	if err := f.persist(name, c); err != nil {
		return err
	}
	f.cache[name] = c
	return nil
}

func (f *FileBackend) Dimension(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.load(name)
	if err != nil || c == nil {
		return 0, err
	}
	return c.Dimension, nil
}

func (f *FileBackend) Upsert(_ context.Context, name string, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.load(name)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("filesystem: collection %s does not exist", name)
	}
	if err := c.upsert(name, records); err != nil {
		return err
	}
	return f.persist(name, c)
}

func (f *FileBackend) Search(_ context.Context, name string, query []float32, opts SearchOptions) ([]Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.load(name)
	if err != nil || c == nil {
		return nil, err
	}
	return c.search(name, query, opts)
}

func (f *FileBackend) Delete(_ context.Context, name string, filter Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.load(name)
	if err != nil || c == nil {
		return err
	}
	if c.delete(filter) == 0 {
		return nil
	}
	return f.persist(name, c)
}

func (f *FileBackend) Count(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.load(name)
	if err != nil || c == nil {
		return 0, err
	}
	return len(c.Records), nil
}

func (f *FileBackend) DropCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, name)
	if err := f.fs.Remove(f.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filesystem: remove %q: %w", f.path(name), err)
	}
	return nil
}

func (f *FileBackend) Close(context.Context) error {
	return nil
}
