package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

// RedisStore keeps documents as JSON strings, chunks in one hash per document,
// and progress in one set per document and model version.
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

func (s *RedisStore) docKey(tenant, id string) string {
	return s.prefix + ":doc:" + tenant + ":" + id
}

func (s *RedisStore) docsKey(tenant string) string {
	return s.prefix + ":docs:" + tenant
}

func (s *RedisStore) chunksKey(tenant, id string) string {
	return s.prefix + ":chunks:" + tenant + ":" + id
}

func (s *RedisStore) progressKey(tenant, id string, version int64) string {
	return s.prefix + ":progress:" + tenant + ":" + id + ":" + strconv.FormatInt(version, 10)
}

// versionsKey tracks which progress sets exist for a document.
func (s *RedisStore) versionsKey(tenant, id string) string {
	return s.prefix + ":progress-versions:" + tenant + ":" + id
}

func (s *RedisStore) collectionsKey() string {
	return s.prefix + ":collections"
}

func (s *RedisStore) tenantsKey() string {
	return s.prefix + ":tenant-collections"
}

func (s *RedisStore) GetDocument(ctx context.Context, tenant, id string) (*knowledge.Document, error) {
	data, err := s.client.Get(ctx, s.docKey(tenant, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(tenant, id)
		}
		return nil, knowledge.StoreError("get document", err)
	}
	var doc knowledge.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *RedisStore) PutDocument(ctx context.Context, doc *knowledge.Document) error {
	if err := validDocument(doc); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode document %s: %w", doc.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(doc.Tenant, doc.ID), data, 0)
		pipe.SAdd(ctx, s.docsKey(doc.Tenant), doc.ID)
		return nil
	})
	return knowledge.StoreError("put document", err)
}

func (s *RedisStore) ListDocuments(ctx context.Context, tenant string) ([]*knowledge.Document, error) {
	ids, err := s.client.SMembers(ctx, s.docsKey(tenant)).Result()
	if err != nil {
		return nil, knowledge.StoreError("list documents", err)
	}
	out := make([]*knowledge.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, tenant, id)
		if errors.Is(err, knowledge.ErrDocumentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sortDocuments(out)
	return out, nil
}

func (s *RedisStore) DeleteDocument(ctx context.Context, tenant, id string) error {
	n, err := s.client.Exists(ctx, s.docKey(tenant, id)).Result()
	if err != nil {
		return knowledge.StoreError("delete document", err)
	}
	if n == 0 {
		return notFound(tenant, id)
	}
	versions, err := s.client.SMembers(ctx, s.versionsKey(tenant, id)).Result()
	if err != nil {
		return knowledge.StoreError("delete document", err)
	}
	keys := []string{s.docKey(tenant, id), s.chunksKey(tenant, id), s.versionsKey(tenant, id)}
	for _, v := range versions {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.progressKey(tenant, id, version))
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, s.docsKey(tenant), id)
		return nil
	})
	return knowledge.StoreError("delete document", err)
}

func (s *RedisStore) PutChunks(ctx context.Context, tenant string, chunks []knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range chunks {
			data, err := json.Marshal(&chunks[i])
			if err != nil {
				return fmt.Errorf("docstore: encode chunk %s: %w", chunks[i].ID, err)
			}
			pipe.HSet(ctx, s.chunksKey(tenant, chunks[i].DocumentID), chunks[i].ID, data)
		}
		return nil
	})
	return knowledge.StoreError("put chunks", err)
}

func (s *RedisStore) Chunks(ctx context.Context, tenant, documentID string) ([]knowledge.Chunk, error) {
	fields, err := s.client.HGetAll(ctx, s.chunksKey(tenant, documentID)).Result()
	if err != nil {
		return nil, knowledge.StoreError("list chunks", err)
	}
	out := make([]knowledge.Chunk, 0, len(fields))
	for id, data := range fields {
		var c knowledge.Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("docstore: decode chunk %s: %w", id, err)
		}
		out = append(out, c)
	}
	sortChunks(out)
	return out, nil
}

func (s *RedisStore) DeleteChunks(ctx context.Context, tenant, documentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	versions, err := s.client.SMembers(ctx, s.versionsKey(tenant, documentID)).Result()
	if err != nil {
		return knowledge.StoreError("delete chunks", err)
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.chunksKey(tenant, documentID), ids...)
		for _, v := range versions {
			version, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			pipe.SRem(ctx, s.progressKey(tenant, documentID, version), members...)
		}
		return nil
	})
	return knowledge.StoreError("delete chunks", err)
}

func (s *RedisStore) MarkIndexed(ctx context.Context, tenant, documentID string, version int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.progressKey(tenant, documentID, version), members...)
		pipe.SAdd(ctx, s.versionsKey(tenant, documentID), strconv.FormatInt(version, 10))
		return nil
	})
	return knowledge.StoreError("mark indexed", err)
}

func (s *RedisStore) IndexedChunks(
	ctx context.Context,
	tenant, documentID string,
	version int64,
) (map[string]bool, error) {
	ids, err := s.client.SMembers(ctx, s.progressKey(tenant, documentID, version)).Result()
	if err != nil {
		return nil, knowledge.StoreError("indexed chunks", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *RedisStore) ClearProgress(ctx context.Context, tenant string, version int64) error {
	ids, err := s.client.SMembers(ctx, s.docsKey(tenant)).Result()
	if err != nil {
		return knowledge.StoreError("clear progress", err)
	}
	if len(ids) == 0 {
		return nil
	}
	v := strconv.FormatInt(version, 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.progressKey(tenant, id, version))
			pipe.SRem(ctx, s.versionsKey(tenant, id), v)
		}
		return nil
	})
	return knowledge.StoreError("clear progress", err)
}

func (s *RedisStore) Collection(ctx context.Context, tenant string) (string, error) {
	name, err := s.client.HGet(ctx, s.tenantsKey(), tenant).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", knowledge.ErrUnknownTenant, tenant)
		}
		return "", knowledge.StoreError("lookup collection", err)
	}
	return name, nil
}

func (s *RedisStore) CollectionOwner(ctx context.Context, name string) (string, error) {
	owner, err := s.client.HGet(ctx, s.collectionsKey(), name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", knowledge.StoreError("lookup collection owner", err)
	}
	return owner, nil
}

func (s *RedisStore) RegisterCollection(ctx context.Context, tenant, name string) error {
	claimed, err := s.client.HSetNX(ctx, s.collectionsKey(), name, tenant).Result()
	if err != nil {
		return knowledge.StoreError("register collection", err)
	}
	if !claimed {
		owner, err := s.CollectionOwner(ctx, name)
		if err != nil {
			return err
		}
		if owner != tenant {
			return fmt.Errorf("docstore: collection %s already belongs to another tenant", name)
		}
	}
	if err := s.client.HSet(ctx, s.tenantsKey(), tenant, name).Err(); err != nil {
		return knowledge.StoreError("register collection", err)
	}
	return nil
}

func (s *RedisStore) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := s.client.HKeys(ctx, s.tenantsKey()).Result()
	if err != nil {
		return nil, knowledge.StoreError("list tenants", err)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Close leaves the shared client open.
func (s *RedisStore) Close() error {
	return nil
}
