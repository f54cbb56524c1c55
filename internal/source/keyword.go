package source

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

// DefaultKeywordIndex is the Elasticsearch index searched by the keyword lane.
const DefaultKeywordIndex = "kb_documents"

// ElasticsearchConfig holds connection settings for the keyword lane.
type ElasticsearchConfig struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
}

// KeywordSource runs BM25 multi_match queries against Elasticsearch.
type KeywordSource struct {
	name   string
	client *elasticsearch.Client
	index  string
}

// esDocument is the stored shape of an indexed document.
type esDocument struct {
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

type esSearchResponse struct {
	Hits struct {
		MaxScore float64 `json:"max_score"`
		Hits     []struct {
			ID     string     `json:"_id"`
			Score  float64    `json:"_score"`
			Source esDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// NewElasticsearchClient creates an Elasticsearch client from cfg.
func NewElasticsearchClient(cfg ElasticsearchConfig) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, eris.Wrap(err, "keyword: create elasticsearch client")
	}
	return es, nil
}

// NewKeywordSource creates a keyword lane over index.
func NewKeywordSource(name string, client *elasticsearch.Client, index string) *KeywordSource {
	if index == "" {
		index = DefaultKeywordIndex
	}
	return &KeywordSource{name: name, client: client, index: index}
}

// Name implements Source.
func (k *KeywordSource) Name() string { return k.name }

// Kind implements Source.
func (k *KeywordSource) Kind() model.SourceKind { return model.KindKeyword }

// Search runs a multi_match query. Relevance is the hit score divided by
// the maximum score of the response.
func (k *KeywordSource) Search(ctx context.Context, query string, topK int) ([]model.Document, error) {
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"title^2", "content"},
			},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "keyword: marshal query")
	}

	size := topK
	req := esapi.SearchRequest{
		Index: []string{k.index},
		Body:  bytes.NewReader(body),
		Size:  &size,
	}
	res, err := req.Do(ctx, k.client)
	if err != nil {
		return nil, eris.Wrap(err, "keyword: search")
	}
	defer res.Body.Close() //nolint:errcheck

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		err := eris.Errorf("keyword: search status %d: %s", res.StatusCode, string(msg))
		if resilience.IsTransientHTTPStatus(res.StatusCode) {
			return nil, resilience.NewTransientError(err, res.StatusCode)
		}
		return nil, err
	}

	var parsed esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, eris.Wrap(err, "keyword: decode response")
	}

	maxScore := parsed.Hits.MaxScore
	docs := make([]model.Document, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		rel := 0.0
		if maxScore > 0 {
			rel = h.Score / maxScore
		}
		docs = append(docs, model.Document{
			ID:        h.ID,
			Title:     h.Source.Title,
			URL:       h.Source.URL,
			Content:   h.Source.Content,
			Source:    k.name,
			Relevance: clamp01(rel),
			Timestamp: h.Source.PublishedAt,
		})
	}

	zap.L().Debug("keyword: search complete",
		zap.String("lane", k.name),
		zap.Int("documents", len(docs)),
	)
	return sortByRelevance(docs, topK), nil
}

// Index stores docs, replacing existing ids. The index is refreshed once
// after the last write.
func (k *KeywordSource) Index(ctx context.Context, docs []model.Document) (int, error) {
	for i, d := range docs {
		body, err := json.Marshal(esDocument{
			Title:       d.Title,
			URL:         d.URL,
			Content:     d.Content,
			PublishedAt: d.Timestamp,
		})
		if err != nil {
			return i, eris.Wrap(err, "keyword: marshal document")
		}
		req := esapi.IndexRequest{
			Index:      k.index,
			DocumentID: d.ID,
			Body:       bytes.NewReader(body),
		}
		if i == len(docs)-1 {
			req.Refresh = "true"
		}
		res, err := req.Do(ctx, k.client)
		if err != nil {
			return i, eris.Wrapf(err, "keyword: index %s", d.ID)
		}
		isErr, status := res.IsError(), res.StatusCode
		_ = res.Body.Close()
		if isErr {
			return i, eris.Errorf("keyword: index %s status %d", d.ID, status)
		}
	}
	return len(docs), nil
}
