package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/classify"
	"github.com/sells-group/knowledge-search/internal/model"
)

const (
	entityPrefix = "ent:"
	edgePrefix   = "edge:"
)

// Entity is a node of the knowledge graph.
type Entity struct {
	Name        string    `json:"name" yaml:"name"`
	Type        string    `json:"type,omitempty" yaml:"type"`
	Description string    `json:"description" yaml:"description"`
	URL         string    `json:"url,omitempty" yaml:"url"`
	Credibility float64   `json:"credibility,omitempty" yaml:"credibility"`
	UpdatedAt   time.Time `json:"updated_at,omitzero" yaml:"updated_at"`
}

// Edge is a directed, weighted fact between two entities.
type Edge struct {
	From     string  `json:"from" yaml:"from"`
	Relation string  `json:"relation" yaml:"relation"`
	To       string  `json:"to" yaml:"to"`
	Fact     string  `json:"fact" yaml:"fact"`
	Weight   float64 `json:"weight,omitempty" yaml:"weight"`
}

// GraphSource answers queries from an entity/edge graph stored in Badger.
// Entities whose name tokens appear in the query are matched; each match
// contributes its description and its outgoing edge facts.
type GraphSource struct {
	name string
	db   *badger.DB
}

// zapBadgerLogger adapts zap to badger.Logger.
type zapBadgerLogger struct {
	log *zap.SugaredLogger
}

var _ badger.Logger = (*zapBadgerLogger)(nil)

func (l *zapBadgerLogger) Errorf(msg string, args ...any)   { l.log.Errorf(msg, args...) }
func (l *zapBadgerLogger) Warningf(msg string, args ...any) { l.log.Warnf(msg, args...) }
func (l *zapBadgerLogger) Infof(msg string, args ...any)    { l.log.Debugf(msg, args...) }
func (l *zapBadgerLogger) Debugf(msg string, args ...any)   { l.log.Debugf(msg, args...) }

// OpenGraphDB opens a Badger database at path, or in memory when path is empty.
func OpenGraphDB(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &zapBadgerLogger{log: zap.L().Named("badger").Sugar()}
	opts.Compression = options.None

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "graph: open badger")
	}
	return bdb, nil
}

// NewGraphSource creates a graph lane over bdb.
func NewGraphSource(name string, bdb *badger.DB) *GraphSource {
	return &GraphSource{name: name, db: bdb}
}

// Name implements Source.
func (g *GraphSource) Name() string { return g.name }

// Kind implements Source.
func (g *GraphSource) Kind() model.SourceKind { return model.KindGraph }

func entityKey(name string) []byte {
	return []byte(entityPrefix + classify.Normalize(name))
}

func edgeKey(e Edge) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", edgePrefix,
		classify.Normalize(e.From), classify.Normalize(e.Relation), classify.Normalize(e.To)))
}

// PutEntities stores entities, replacing existing ones by normalized name.
func (g *GraphSource) PutEntities(entities ...Entity) error {
	return g.db.Update(func(txn *badger.Txn) error {
		for _, e := range entities {
			if strings.TrimSpace(e.Name) == "" {
				return eris.New("graph: entity name is required")
			}
			data, err := json.Marshal(e)
			if err != nil {
				return eris.Wrap(err, "graph: marshal entity")
			}
			if err := txn.Set(entityKey(e.Name), data); err != nil {
				return eris.Wrapf(err, "graph: put entity %s", e.Name)
			}
		}
		return nil
	})
}

// PutEdges stores edges keyed by (from, relation, to).
func (g *GraphSource) PutEdges(edges ...Edge) error {
	return g.db.Update(func(txn *badger.Txn) error {
		for _, e := range edges {
			if e.From == "" || e.To == "" {
				return eris.New("graph: edge requires from and to")
			}
			data, err := json.Marshal(e)
			if err != nil {
				return eris.Wrap(err, "graph: marshal edge")
			}
			if err := txn.Set(edgeKey(e), data); err != nil {
				return eris.Wrapf(err, "graph: put edge %s->%s", e.From, e.To)
			}
		}
		return nil
	})
}

// Search implements Source.
func (g *GraphSource) Search(ctx context.Context, query string, topK int) ([]model.Document, error) {
	norm := classify.Normalize(query)
	qTokens := tokenSet(norm)

	var docs []model.Document
	err := g.db.View(func(txn *badger.Txn) error {
		matches, err := g.matchEntities(ctx, txn, norm, qTokens)
		if err != nil {
			return err
		}
		for _, m := range matches {
			docs = append(docs, model.Document{
				ID:          "graph:" + classify.Normalize(m.entity.Name),
				Title:       m.entity.Name,
				URL:         m.entity.URL,
				Content:     m.entity.Description,
				Source:      g.name,
				Relevance:   m.score,
				Credibility: m.entity.Credibility,
				Timestamp:   m.entity.UpdatedAt,
			})
			facts, err := g.edgesFrom(ctx, txn, m.entity.Name)
			if err != nil {
				return err
			}
			for _, e := range facts {
				weight := e.Weight
				if weight <= 0 {
					weight = 1
				}
				docs = append(docs, model.Document{
					ID:          "graph:" + string(edgeKey(e)[len(edgePrefix):]),
					Title:       fmt.Sprintf("%s %s %s", e.From, e.Relation, e.To),
					Content:     e.Fact,
					Source:      g.name,
					Relevance:   clamp01(m.score * 0.9 * weight),
					Credibility: m.entity.Credibility,
					Timestamp:   m.entity.UpdatedAt,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "graph: search")
	}
	return sortByRelevance(docs, topK), nil
}

type entityMatch struct {
	entity Entity
	score  float64
}

// matchEntities returns entities whose name tokens overlap the query. The
// score is the fraction of the entity's name tokens found in the query. A
// name made only of stopwords matches when it appears whole in the query.
func (g *GraphSource) matchEntities(ctx context.Context, txn *badger.Txn, query string, qTokens map[string]struct{}) ([]entityMatch, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entityPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []entityMatch
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := string(it.Item().Key()[len(entityPrefix):])
		nameTokens := tokenSet(name)
		score := 0.0
		if len(nameTokens) == 0 {
			if name != "" && strings.Contains(" "+query+" ", " "+name+" ") {
				score = 1
			}
		} else {
			hit := 0
			for t := range nameTokens {
				if _, ok := qTokens[t]; ok {
					hit++
				}
			}
			score = float64(hit) / float64(len(nameTokens))
		}
		if score == 0 {
			continue
		}
		var e Entity
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, eris.Wrapf(err, "graph: decode entity %s", name)
		}
		out = append(out, entityMatch{entity: e, score: score})
	}
	return out, nil
}

func (g *GraphSource) edgesFrom(ctx context.Context, txn *badger.Txn, from string) ([]Edge, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(edgePrefix + classify.Normalize(from) + ":")
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []Edge
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Edge
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, eris.Wrap(err, "graph: decode edge")
		}
		out = append(out, e)
	}
	return out, nil
}

// matchStopwords never link a query to an entity on their own.
var matchStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "by": true,
	"at": true, "from": true, "as": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "do": true, "does": true, "did": true,
	"how": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "it": true, "its": true, "this": true, "that": true,
	"i": true, "you": true, "we": true, "they": true, "my": true, "your": true,
	"can": true, "about": true, "vs": true, "versus": true,
}

// tokenSet splits normalized text into alphanumeric tokens, dropping
// stopwords.
func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if !matchStopwords[t] {
			out[t] = struct{}{}
		}
	}
	return out
}
