package source

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/db"
	"github.com/sells-group/knowledge-search/internal/model"
)

// DefaultVectorTable is the pgvector table searched by the vector lane.
const DefaultVectorTable = "kb_documents"

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// VectorSource searches a pgvector table by cosine similarity.
//
// Expected table shape:
//
//	id text primary key, title text, url text, content text,
//	published_at timestamptz, embedding vector(N)
type VectorSource struct {
	name     string
	pool     db.Pool
	embedder Embedder
	table    string
	minSim   float64
}

// VectorOption configures a VectorSource.
type VectorOption func(*VectorSource)

// WithVectorTable overrides the searched table.
func WithVectorTable(table string) VectorOption {
	return func(v *VectorSource) { v.table = table }
}

// WithMinSimilarity drops rows below the given cosine similarity.
func WithMinSimilarity(sim float64) VectorOption {
	return func(v *VectorSource) { v.minSim = sim }
}

// NewVectorSource creates a vector lane backed by pool.
func NewVectorSource(name string, pool db.Pool, embedder Embedder, opts ...VectorOption) (*VectorSource, error) {
	v := &VectorSource{
		name:     name,
		pool:     pool,
		embedder: embedder,
		table:    DefaultVectorTable,
	}
	for _, o := range opts {
		o(v)
	}
	if !identRe.MatchString(v.table) {
		return nil, eris.Errorf("vector: invalid table name %q", v.table)
	}
	return v, nil
}

// Name implements Source.
func (v *VectorSource) Name() string { return v.name }

// Kind implements Source.
func (v *VectorSource) Kind() model.SourceKind { return model.KindVector }

// Search embeds query and returns the nearest rows.
func (v *VectorSource) Search(ctx context.Context, query string, topK int) ([]model.Document, error) {
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "vector: embed query")
	}

	sql := fmt.Sprintf(`SELECT id, title, url, content, COALESCE(published_at, 'epoch'::timestamptz),
		1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		ORDER BY embedding <=> $1::vector
		LIMIT $2`, v.table)

	rows, err := v.pool.Query(ctx, sql, VectorLiteral(vec), topK)
	if err != nil {
		return nil, eris.Wrap(err, "vector: query")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var (
			d         model.Document
			published time.Time
			sim       float64
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.URL, &d.Content, &published, &sim); err != nil {
			return nil, eris.Wrap(err, "vector: scan row")
		}
		if sim < v.minSim {
			continue
		}
		if published.Unix() != 0 {
			d.Timestamp = published.UTC()
		}
		d.Source = v.name
		d.Relevance = clamp01(sim)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "vector: iterate rows")
	}

	zap.L().Debug("vector: search complete",
		zap.String("lane", v.name),
		zap.Int("documents", len(docs)),
	)
	return sortByRelevance(docs, topK), nil
}

// Upsert embeds and stores docs, replacing rows with the same id.
func (v *VectorSource) Upsert(ctx context.Context, docs []model.Document) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := v.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, eris.Wrap(err, "vector: embed documents")
	}

	sql := fmt.Sprintf(`INSERT INTO %s (id, title, url, content, published_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			content = EXCLUDED.content,
			published_at = EXCLUDED.published_at,
			embedding = EXCLUDED.embedding`, v.table)

	rows := make([][]any, len(docs))
	for i, d := range docs {
		var published *time.Time
		if !d.Timestamp.IsZero() {
			ts := d.Timestamp
			published = &ts
		}
		rows[i] = []any{d.ID, d.Title, d.URL, d.Content, published, VectorLiteral(vecs[i])}
	}

	n, err := db.ExecBatch(ctx, v.pool, sql, rows)
	if err != nil {
		return n, eris.Wrap(err, "vector: upsert documents")
	}
	return n, nil
}

// VectorLiteral renders vec in pgvector text form, e.g. "[0.1,0.2]".
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*8 + 2)
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
