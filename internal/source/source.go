// Package source defines the knowledge-source capability consumed by the
// retrieval aggregator and its vector, keyword, graph and web implementations.
package source

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/knowledge-search/internal/model"
)

// Source is a single knowledge source. Search returns an error value on any
// failure; the aggregator turns it into a lane error.
type Source interface {
	// Name returns the lane name this source is registered under.
	Name() string
	// Kind returns the source family tag.
	Kind() model.SourceKind
	// Search returns at most topK documents for query.
	Search(ctx context.Context, query string, topK int) ([]model.Document, error)
}

// Registry holds the configured sources in registration order.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

// Register adds a source. Names must be unique.
func (r *Registry) Register(s Source) error {
	if s == nil || s.Name() == "" {
		return eris.New("source: register requires a named source")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.Name()]; ok {
		return eris.Errorf("source: duplicate source %q", s.Name())
	}
	r.sources[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// Get returns a source by name, or nil if not found.
func (r *Registry) Get(name string) Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// List returns the registered source names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Sources returns the registered sources in registration order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name])
	}
	return out
}

// OfKind returns the registered sources tagged with kind.
func (r *Registry) OfKind(kind model.SourceKind) []Source {
	var out []Source
	for _, s := range r.Sources() {
		if s.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

// sortByRelevance orders docs by relevance descending, then id ascending,
// and truncates to topK when topK > 0.
func sortByRelevance(docs []model.Document, topK int) []model.Document {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Relevance != docs[j].Relevance {
			return docs[i].Relevance > docs[j].Relevance
		}
		return docs[i].ID < docs[j].ID
	})
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
