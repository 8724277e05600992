package docstore

import (
	"context"
	"sync"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
)

type tenantDoc struct {
	tenant string
	id     string
}

type progressKey struct {
	tenantDoc
	version int64
}

// MemoryStore keeps all records in process memory.
type MemoryStore struct {
	*vectordb.MemoryCatalog
	mu       sync.RWMutex
	docs     map[tenantDoc]*knowledge.Document
	chunks   map[tenantDoc]map[string]knowledge.Chunk
	progress map[progressKey]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryCatalog: vectordb.NewMemoryCatalog(),
		docs:          make(map[tenantDoc]*knowledge.Document),
		chunks:        make(map[tenantDoc]map[string]knowledge.Chunk),
		progress:      make(map[progressKey]map[string]bool),
	}
}

func (s *MemoryStore) GetDocument(_ context.Context, tenant, id string) (*knowledge.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[tenantDoc{tenant, id}]
	if !ok {
		return nil, notFound(tenant, id)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) PutDocument(_ context.Context, doc *knowledge.Document) error {
	if err := validDocument(doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[tenantDoc{doc.Tenant, doc.ID}] = doc.Clone()
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, tenant string) ([]*knowledge.Document, error) {
	s.mu.RLock()
	out := make([]*knowledge.Document, 0)
	for key, doc := range s.docs {
		if key.tenant == tenant {
			out = append(out, doc.Clone())
		}
	}
	s.mu.RUnlock()
	sortDocuments(out)
	return out, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, tenant, id string) error {
	key := tenantDoc{tenant, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; !ok {
		return notFound(tenant, id)
	}
	delete(s.docs, key)
	delete(s.chunks, key)
	for pk := range s.progress {
		if pk.tenantDoc == key {
			delete(s.progress, pk)
		}
	}
	return nil
}

func (s *MemoryStore) PutChunks(_ context.Context, tenant string, chunks []knowledge.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range chunks {
		key := tenantDoc{tenant, chunks[i].DocumentID}
		set, ok := s.chunks[key]
		if !ok {
			set = make(map[string]knowledge.Chunk)
			s.chunks[key] = set
		}
		set[chunks[i].ID] = chunks[i]
	}
	return nil
}

func (s *MemoryStore) Chunks(_ context.Context, tenant, documentID string) ([]knowledge.Chunk, error) {
	s.mu.RLock()
	set := s.chunks[tenantDoc{tenant, documentID}]
	out := make([]knowledge.Chunk, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sortChunks(out)
	return out, nil
}

func (s *MemoryStore) DeleteChunks(_ context.Context, tenant, documentID string, ids []string) error {
	key := tenantDoc{tenant, documentID}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.chunks[key], id)
		for pk, done := range s.progress {
			if pk.tenantDoc == key {
				delete(done, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) MarkIndexed(_ context.Context, tenant, documentID string, version int64, ids []string) error {
	key := progressKey{tenantDoc{tenant, documentID}, version}
	s.mu.Lock()
	defer s.mu.Unlock()
	done, ok := s.progress[key]
	if !ok {
		done = make(map[string]bool, len(ids))
		s.progress[key] = done
	}
	for _, id := range ids {
		done[id] = true
	}
	return nil
}

func (s *MemoryStore) IndexedChunks(
	_ context.Context,
	tenant, documentID string,
	version int64,
) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done := s.progress[progressKey{tenantDoc{tenant, documentID}, version}]
	out := make(map[string]bool, len(done))
	for id := range done {
		out[id] = true
	}
	return out, nil
}

func (s *MemoryStore) ClearProgress(_ context.Context, tenant string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pk := range s.progress {
		if pk.tenant == tenant && pk.version == version {
			delete(s.progress, pk)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
