package vectordb

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const qdrantDefaultTimeout = 10 * time.Second

// QdrantBackend maps each collection to a Qdrant collection with cosine distance.
// Chunk IDs are not valid point IDs, so points use a name-based UUID and keep the
// chunk ID in their payload.
type QdrantBackend struct {
	client *resty.Client
}

type qdrantPayload struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantScored struct {
	ID      any           `json:"id"`
	Score   float64       `json:"score"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantCollectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

func NewQdrantBackend(baseURL, apiKey string, timeout time.Duration) *QdrantBackend {
	if timeout <= 0 {
		timeout = qdrantDefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("api-key", apiKey)
	}
	return &QdrantBackend{client: client}
}

// PointID derives the deterministic Qdrant point ID of a chunk.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func (q *QdrantBackend) request(ctx context.Context, body, result any) *resty.Request {
	req := q.client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	return req
}

func qdrantError(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("qdrant: %s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("qdrant: %s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

func (q *QdrantBackend) EnsureCollection(ctx context.Context, name string, dim int) error {
	have, err := q.Dimension(ctx, name)
	if err != nil {
		return err
	}
	if have > 0 {
		return checkDimension(name, have, dim)
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	resp, err := q.request(ctx, body, nil).Put("/collections/" + name)
	if resp != nil && resp.StatusCode() == http.StatusConflict {
		if have, err = q.Dimension(ctx, name); err != nil {
			return err
		}
		return checkDimension(name, have, dim)
	}
	if err := qdrantError("create collection "+name, resp, err); err != nil {
		return err
	}
	if _, err := q.request(ctx, map[string]any{
		"field_name":   FieldDocumentID,
		"field_schema": "keyword",
	}, nil).Put("/collections/" + name + "/index"); err != nil {
		return fmt.Errorf("qdrant: index payload of %s: %w", name, err)
	}
	return nil
}

func (q *QdrantBackend) Dimension(ctx context.Context, name string) (int, error) {
	var info qdrantCollectionInfo
	resp, err := q.request(ctx, nil, &info).Get("/collections/" + name)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return 0, nil
	}
	if err := qdrantError("get collection "+name, resp, err); err != nil {
		return 0, err
	}
	return info.Result.Config.Params.Vectors.Size, nil
}

func (q *QdrantBackend) Upsert(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]qdrantPoint, 0, len(records))
	for i := range records {
		rec := records[i]
		points = append(points, qdrantPoint{
			ID:     PointID(rec.ID),
			Vector: rec.Vector,
			Payload: qdrantPayload{
				ChunkID:    rec.ID,
				DocumentID: rec.DocumentID,
				Title:      rec.Title,
				Index:      rec.Index,
				Text:       rec.Text,
				CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	resp, err := q.request(ctx, map[string]any{"points": points}, nil).
		SetQueryParam("wait", "true").
		Put("/collections/" + name + "/points")
	return qdrantError("upsert into "+name, resp, err)
}

func buildQdrantFilter(filters map[string]string) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	must := make([]any, 0, len(filters))
	for _, key := range sortedKeys(filters) {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": filters[key]},
		})
	}
	return map[string]any{"must": must}
}

func (q *QdrantBackend) Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]Match, error) {
	body := map[string]any{
		"vector":       query,
		"limit":        max(opts.TopK, 1),
		"with_payload": true,
	}
	if filter := buildQdrantFilter(opts.Filters); filter != nil {
		body["filter"] = filter
	}
	var out struct {
		Result []qdrantScored `json:"result"`
	}
	resp, err := q.request(ctx, body, &out).Post("/collections/" + name + "/points/search")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := qdrantError("search "+name, resp, err); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(out.Result))
	for _, hit := range out.Result {
		created, _ := time.Parse(time.RFC3339Nano, hit.Payload.CreatedAt)
		matches = append(matches, Match{
			Record: Record{
				ID:         hit.Payload.ChunkID,
				DocumentID: hit.Payload.DocumentID,
				Title:      hit.Payload.Title,
				Index:      hit.Payload.Index,
				Text:       hit.Payload.Text,
				CreatedAt:  created,
			},
			Score: hit.Score,
		})
	}
	sortMatches(matches)
	return matches, nil
}

func (q *QdrantBackend) Delete(ctx context.Context, name string, filter Filter) error {
	if len(filter.IDs) > 0 {
		ids := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			ids = append(ids, PointID(id))
		}
		if err := q.deletePoints(ctx, name, map[string]any{"points": ids}); err != nil {
			return err
		}
	}
	if filter.DocumentID != "" {
		body := map[string]any{"filter": buildQdrantFilter(map[string]string{FieldDocumentID: filter.DocumentID})}
		if err := q.deletePoints(ctx, name, body); err != nil {
			return err
		}
	}
	return nil
}

func (q *QdrantBackend) deletePoints(ctx context.Context, name string, body map[string]any) error {
	resp, err := q.request(ctx, body, nil).
		SetQueryParam("wait", "true").
		Post("/collections/" + name + "/points/delete")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return qdrantError("delete from "+name, resp, err)
}

func (q *QdrantBackend) Count(ctx context.Context, name string) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	resp, err := q.request(ctx, map[string]any{"exact": true}, &out).Post("/collections/" + name + "/points/count")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return 0, nil
	}
	if err := qdrantError("count "+name, resp, err); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}

func (q *QdrantBackend) DropCollection(ctx context.Context, name string) error {
	resp, err := q.request(ctx, nil, nil).Delete("/collections/" + name)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return qdrantError("drop "+name, resp, err)
}

func (q *QdrantBackend) Close(context.Context) error {
	return nil
}
