package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisFilterEqualsFormat = `.%s == "%s"`

// RedisBackend stores each collection as a Redis vector set with JSON attributes.
// A side key records the dimension and per-document sets index chunk IDs.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

type redisAttributes struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "skynet"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// NewRedisClient opens a RESP3 client, which the vector set commands require.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:          addr,
		Password:      password,
		DB:            db,
		Protocol:      3,
		UnstableResp3: true,
	})
}

func (r *RedisBackend) setKey(name string) string {
	return r.prefix + ":vset:" + name
}

func (r *RedisBackend) dimKey(name string) string {
	return r.prefix + ":vdim:" + name
}

func (r *RedisBackend) docsKey(name string) string {
	return r.prefix + ":vdocs:" + name
}

func (r *RedisBackend) docKey(name, documentID string) string {
	return r.prefix + ":vdoc:" + name + ":" + documentID
}

func (r *RedisBackend) EnsureCollection(ctx context.Context, name string, dim int) error {
	created, err := r.client.SetNX(ctx, r.dimKey(name), dim, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: ensure collection %s: %w", name, err)
	}
	if created {
		return nil
	}
	have, err := r.Dimension(ctx, name)
	if err != nil {
		return err
	}
	return checkDimension(name, have, dim)
}

func (r *RedisBackend) Dimension(ctx context.Context, name string) (int, error) {
	raw, err := r.client.Get(ctx, r.dimKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: read dimension of %s: %w", name, err)
	}
	dim, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("redis: corrupt dimension of %s: %w", name, err)
	}
	return dim, nil
}

func (r *RedisBackend) Upsert(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := r.Dimension(ctx, name)
	if err != nil {
		return err
	}
	if dim == 0 {
		return fmt.Errorf("redis: collection %s does not exist", name)
	}
	pipe := r.client.Pipeline()
	for i := range records {
		rec := records[i]
		if err := checkDimension(name, dim, len(rec.Vector)); err != nil {
			return err
		}
		pipe.VAdd(ctx, r.setKey(name), rec.ID, &redis.VectorValues{Val: float32ToFloat64(rec.Vector)})
		pipe.VSetAttr(ctx, r.setKey(name), rec.ID, buildRedisAttributes(&rec))
		pipe.SAdd(ctx, r.docsKey(name), rec.DocumentID)
		pipe.SAdd(ctx, r.docKey(name, rec.DocumentID), rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: upsert pipeline: %w", err)
	}
	return nil
}

func (r *RedisBackend) Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]Match, error) {
	dim, err := r.Dimension(ctx, name)
	if err != nil || dim == 0 {
		return nil, err
	}
	if err := checkDimension(name, dim, len(query)); err != nil {
		return nil, err
	}
	args := &redis.VSimArgs{Count: int64(opts.TopK)}
	if filter := buildRedisFilter(opts.Filters); filter != "" {
		args.Filter = filter
	}
	results, err := r.client.VSimWithArgsWithScores(
		ctx,
		r.setKey(name),
		&redis.VectorValues{Val: float32ToFloat64(query)},
		args,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: similarity search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	attrCmds := make([]*redis.StringCmd, len(results))
	for i := range results {
		attrCmds[i] = pipe.VGetAttr(ctx, r.setKey(name), results[i].Name)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: fetch attributes: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for i, item := range results {
		raw, err := attrCmds[i].Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: read attributes for %q: %w", item.Name, err)
		}
		rec, err := decodeRedisAttributes(item.Name, raw)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Record: rec, Score: redisCosine(item.Score)})
	}
	sortMatches(matches)
	return matches, nil
}

// redisCosine converts a VSIM score, which maps cosine similarity into [0,1], back to cosine.
func redisCosine(score float64) float64 {
	return score*2 - 1
}

func (r *RedisBackend) Delete(ctx context.Context, name string, filter Filter) error {
	targets := append([]string(nil), filter.IDs...)
	if filter.DocumentID != "" {
		ids, err := r.client.SMembers(ctx, r.docKey(name, filter.DocumentID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis: list chunks of %s: %w", filter.DocumentID, err)
		}
		targets = append(targets, ids...)
	}
	if len(targets) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, id := range targets {
		pipe.VRem(ctx, r.setKey(name), id)
	}
	if filter.DocumentID != "" {
		pipe.Del(ctx, r.docKey(name, filter.DocumentID))
		pipe.SRem(ctx, r.docsKey(name), filter.DocumentID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: delete vectors: %w", err)
	}
	return nil
}

func (r *RedisBackend) Count(ctx context.Context, name string) (int, error) {
	n, err := r.client.VCard(ctx, r.setKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: vcard %s: %w", name, err)
	}
	return int(n), nil
}

func (r *RedisBackend) DropCollection(ctx context.Context, name string) error {
	docs, err := r.client.SMembers(ctx, r.docsKey(name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: list documents of %s: %w", name, err)
	}
	keys := []string{r.setKey(name), r.dimKey(name), r.docsKey(name)}
	for _, doc := range docs {
		keys = append(keys, r.docKey(name, doc))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: drop collection %s: %w", name, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisBackend) Close(context.Context) error {
	return nil
}

func buildRedisAttributes(rec *Record) string {
	data, _ := json.Marshal(redisAttributes{
		DocumentID: rec.DocumentID,
		Title:      rec.Title,
		Index:      rec.Index,
		Text:       rec.Text,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return string(data)
}

func decodeRedisAttributes(id, payload string) (Record, error) {
	var attrs redisAttributes
	if strings.TrimSpace(payload) != "" {
		if err := json.Unmarshal([]byte(payload), &attrs); err != nil {
			return Record{}, fmt.Errorf("redis: parse attributes for %q: %w", id, err)
		}
	}
	rec := Record{
		ID:         id,
		DocumentID: attrs.DocumentID,
		Title:      attrs.Title,
		Index:      attrs.Index,
		Text:       attrs.Text,
	}
	if attrs.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, attrs.CreatedAt)
		if err != nil {
			return Record{}, fmt.Errorf("redis: parse created_at for %q: %w", id, err)
		}
		rec.CreatedAt = created
	}
	return rec, nil
}

func buildRedisFilter(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := sortedKeys(filters)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf(redisFilterEqualsFormat, key, escapeFilterValue(filters[key])))
	}
	return strings.Join(parts, " && ")
}

func escapeFilterValue(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return replacer.Replace(value)
}
