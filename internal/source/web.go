package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/pkg/jina"
)

var webDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// WebSource searches the public web through Jina search.
type WebSource struct {
	name   string
	client jina.Client
	retry  resilience.RetryConfig
	site   string
}

// WebOption configures a WebSource.
type WebOption func(*WebSource)

// WithSiteFilter restricts results to a single domain.
func WithSiteFilter(domain string) WebOption {
	return func(w *WebSource) { w.site = domain }
}

// WithWebRetry overrides the in-lane retry policy.
func WithWebRetry(cfg resilience.RetryConfig) WebOption {
	return func(w *WebSource) { w.retry = cfg }
}

// NewWebSource creates a web lane over client.
func NewWebSource(name string, client jina.Client, opts ...WebOption) *WebSource {
	w := &WebSource{
		name:   name,
		client: client,
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.retry.OnRetry == nil {
		w.retry.OnRetry = resilience.RetryLogger("jina", "search")
	}
	return w
}

// Name implements Source.
func (w *WebSource) Name() string { return w.name }

// Kind implements Source.
func (w *WebSource) Kind() model.SourceKind { return model.KindWeb }

// Search implements Source. Results carry rank-based relevance since the
// search API does not expose scores.
func (w *WebSource) Search(ctx context.Context, query string, topK int) ([]model.Document, error) {
	var searchOpts []jina.SearchOption
	if w.site != "" {
		searchOpts = append(searchOpts, jina.WithSiteFilter(w.site))
	}

	resp, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (*jina.SearchResponse, error) {
		resp, err := w.client.Search(ctx, query, searchOpts...)
		var se *jina.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			return nil, resilience.NewTransientError(err, se.StatusCode)
		}
		return resp, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "web: search")
	}

	results := resp.Data
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	docs := make([]model.Document, 0, len(results))
	seen := make(map[string]bool, len(results))
	n := float64(len(results))
	for i, r := range results {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			content = strings.TrimSpace(r.Description)
		}
		if content == "" {
			continue
		}
		id := webDocID(r.URL, content)
		if seen[id] {
			continue
		}
		seen[id] = true
		docs = append(docs, model.Document{
			ID:        id,
			Title:     r.Title,
			URL:       r.URL,
			Content:   content,
			Source:    w.name,
			Relevance: 1 - float64(i)/n,
			Timestamp: parseWebDate(r.Date),
		})
	}

	zap.L().Debug("web: search complete",
		zap.String("lane", w.name),
		zap.Int("documents", len(docs)),
	)
	return docs, nil
}

func webDocID(url, content string) string {
	key := url
	if key == "" {
		key = content
	}
	sum := sha256.Sum256([]byte(key))
	return "web:" + hex.EncodeToString(sum[:8])
}

func parseWebDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range webDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
