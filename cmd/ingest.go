package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/source"
)

var ingestLanes []string

var ingestCmd = &cobra.Command{
	Use:   "ingest <corpus.yaml>",
	Short: "Load documents and graph facts into the retrieval lanes",
	Long:  "Reads a YAML corpus and writes its documents to the vector and keyword lanes and its entities and edges to the graph lane.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		c, err := loadCorpus(args[0])
		if err != nil {
			return err
		}

		lanes := ingestLanes
		if len(lanes) == 0 {
			lanes = enabledIngestLanes()
		}
		out := cmd.OutOrStdout()

		var closers []func()
		defer func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}()
		onClose := func(fn func()) { closers = append(closers, fn) }

		for _, lane := range lanes {
			switch lane {
			case "vector":
				if len(c.Documents) == 0 {
					continue
				}
				vs, err := buildVectorSource(ctx, cfg, onClose)
				if err != nil {
					return err
				}
				n, err := vs.Upsert(ctx, c.documents())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "vector: %d documents\n", n)
			case "keyword":
				if len(c.Documents) == 0 {
					continue
				}
				es, err := newElasticsearch(cfg.Elasticsearch)
				if err != nil {
					return err
				}
				n, err := source.NewKeywordSource("keyword", es, cfg.Elasticsearch.Index).Index(ctx, c.documents())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "keyword: %d documents\n", n)
			case "graph":
				bdb, err := source.OpenGraphDB(cfg.Graph.Path)
				if err != nil {
					return err
				}
				onClose(func() { _ = bdb.Close() })
				if err := ingestGraph(ctx, out, source.NewGraphSource("graph", bdb), c); err != nil {
					return err
				}
			default:
				return eris.Errorf("ingest: unsupported lane %q (vector, keyword or graph)", lane)
			}
		}
		return nil
	},
}

// corpus is the YAML ingest document.
type corpus struct {
	Documents []corpusDocument `yaml:"documents"`
	Entities  []source.Entity  `yaml:"entities"`
	Edges     []source.Edge    `yaml:"edges"`
}

type corpusDocument struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	URL         string    `yaml:"url"`
	Content     string    `yaml:"content"`
	PublishedAt time.Time `yaml:"published_at"`
}

// loadCorpus parses and checks a corpus file. Documents without an id get
// a stable one derived from their URL, or their content when there is no
// URL.
func loadCorpus(path string) (*corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read corpus %s", path)
	}
	var c corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrapf(err, "parse corpus %s", path)
	}

	for i := range c.Documents {
		d := &c.Documents[i]
		if strings.TrimSpace(d.Content) == "" {
			return nil, eris.Errorf("corpus %s: documents[%d] has no content", path, i)
		}
		if d.ID == "" {
			key := d.URL
			if key == "" {
				key = d.Content
			}
			d.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
		}
	}
	for i, e := range c.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return nil, eris.Errorf("corpus %s: entities[%d] has no name", path, i)
		}
	}
	for i, e := range c.Edges {
		if e.From == "" || e.To == "" || e.Relation == "" {
			return nil, eris.Errorf("corpus %s: edges[%d] needs from, relation and to", path, i)
		}
	}
	if len(c.Documents)+len(c.Entities)+len(c.Edges) == 0 {
		return nil, eris.Errorf("corpus %s is empty", path)
	}
	return &c, nil
}

func (c *corpus) documents() []model.Document {
	docs := make([]model.Document, len(c.Documents))
	for i, d := range c.Documents {
		docs[i] = model.Document{
			ID:        d.ID,
			Title:     d.Title,
			URL:       d.URL,
			Content:   d.Content,
			Timestamp: d.PublishedAt,
		}
	}
	return docs
}

func ingestGraph(ctx context.Context, out io.Writer, g *source.GraphSource, c *corpus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.Entities) > 0 {
		if err := g.PutEntities(c.Entities...); err != nil {
			return err
		}
	}
	if len(c.Edges) > 0 {
		if err := g.PutEdges(c.Edges...); err != nil {
			return err
		}
	}
	zap.L().Info("ingest: graph updated", zap.Int("entities", len(c.Entities)), zap.Int("edges", len(c.Edges)))
	fmt.Fprintf(out, "graph: %d entities, %d edges\n", len(c.Entities), len(c.Edges))
	return nil
}

// enabledIngestLanes lists the configured lanes that accept ingestion.
func enabledIngestLanes() []string {
	var lanes []string
	if cfg.Lanes.Vector.Enabled {
		lanes = append(lanes, "vector")
	}
	if cfg.Lanes.Keyword.Enabled {
		lanes = append(lanes, "keyword")
	}
	if cfg.Lanes.Graph.Enabled {
		lanes = append(lanes, "graph")
	}
	return lanes
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestLanes, "lanes", nil, "lanes to write (default: every enabled vector, keyword and graph lane)")
	rootCmd.AddCommand(ingestCmd)
}
