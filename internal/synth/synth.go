// Package synth drafts an answer from fused evidence through the provider
// router.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/llm"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/internal/router"
)

const systemPrompt = `You are a research assistant answering questions from retrieved evidence.
Use only the numbered evidence below. Cite every factual sentence with the
evidence numbers it relies on, like [1] or [2, 3]. Write short declarative
sentences. If the evidence does not answer the question, say so plainly.`

// Generator is the part of the router the synthesizer needs.
type Generator interface {
	Generate(ctx context.Context, chain router.Chain, req llm.Request, opts router.GenerateOptions) (*router.Generation, error)
	Model(id string) string
}

// Config bounds the prompt.
type Config struct {
	MaxContextDocs      int
	MaxDocChars         int
	MaxTokens           int
	ExtractiveSentences int
}

// DefaultConfig returns the standard prompt limits.
func DefaultConfig() Config {
	return Config{
		MaxContextDocs:      8,
		MaxDocChars:         1200,
		MaxTokens:           1024,
		ExtractiveSentences: 3,
	}
}

// Draft is a synthesized answer and who produced it.
type Draft struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	// Extractive is set when no provider could answer and the text was
	// assembled from the evidence itself. Cause holds the provider error.
	Extractive bool
	Cause      error
	Attempts   []router.Attempt
	// Documents are the evidence documents placed in the prompt, in
	// citation-number order.
	Documents []model.Document
}

// Synthesizer builds prompts and calls the router.
type Synthesizer struct {
	gen Generator
	cfg Config
}

// New creates a synthesizer.
func New(gen Generator, cfg Config) *Synthesizer {
	def := DefaultConfig()
	if cfg.MaxContextDocs <= 0 {
		cfg.MaxContextDocs = def.MaxContextDocs
	}
	if cfg.MaxDocChars <= 0 {
		cfg.MaxDocChars = def.MaxDocChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ExtractiveSentences <= 0 {
		cfg.ExtractiveSentences = def.ExtractiveSentences
	}
	return &Synthesizer{gen: gen, cfg: cfg}
}

// RoleFor returns the generation role for a complexity tier.
func RoleFor(tier model.Tier) router.Role {
	if tier == model.TierComplex {
		return router.RoleReasoning
	}
	return router.RoleQuality
}

// BuildPrompt assembles the generation request for q over the top docs.
func (s *Synthesizer) BuildPrompt(q *model.Query, docs []model.Document) llm.Request {
	if len(docs) > s.cfg.MaxContextDocs {
		docs = docs[:s.cfg.MaxContextDocs]
	}

	var b strings.Builder
	if len(docs) == 0 {
		b.WriteString("No evidence was retrieved.\n\n")
	} else {
		b.WriteString("Evidence:\n\n")
		for i, d := range docs {
			title := d.Title
			if title == "" {
				title = d.ID
			}
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, title, d.Source, truncate(d.Content, s.cfg.MaxDocChars))
		}
	}
	if c := strings.TrimSpace(q.Context); c != "" {
		fmt.Fprintf(&b, "Conversation context:\n%s\n\n", c)
	}
	fmt.Fprintf(&b, "Question: %s\n", q.Text)

	maxTokens := s.cfg.MaxTokens
	if q.MaxTokens > 0 && q.MaxTokens < maxTokens {
		maxTokens = q.MaxTokens
	}
	return llm.Request{System: systemPrompt, Prompt: b.String(), MaxTokens: maxTokens}
}

// Synthesize drafts an answer by walking chain. When every provider fails
// but evidence exists, an extractive draft is returned instead of an error.
func (s *Synthesizer) Synthesize(ctx context.Context, q *model.Query, chain router.Chain, docs []model.Document, opts router.GenerateOptions) (*Draft, error) {
	if len(docs) > s.cfg.MaxContextDocs {
		docs = docs[:s.cfg.MaxContextDocs]
	}
	req := s.BuildPrompt(q, docs)

	var gen *router.Generation
	var err error
	if len(chain.Entries) == 0 {
		err = eris.Wrapf(resilience.ErrAllProvidersExhausted, "synth: no providers for role %s", chain.Role)
	} else {
		gen, err = s.gen.Generate(ctx, chain, req, opts)
	}

	if err == nil && gen != nil && gen.Response != nil && strings.TrimSpace(gen.Response.Text) != "" {
		modelName := gen.Response.Model
		if modelName == "" {
			modelName = s.gen.Model(gen.Provider)
		}
		return &Draft{
			Text:         strings.TrimSpace(gen.Response.Text),
			Provider:     gen.Provider,
			Model:        modelName,
			InputTokens:  gen.Response.InputTokens,
			OutputTokens: gen.Response.OutputTokens,
			Attempts:     gen.Attempts,
			Documents:    docs,
		}, nil
	}
	if err == nil {
		err = llm.ErrEmptyResponse
	}

	var attempts []router.Attempt
	if gen != nil {
		attempts = gen.Attempts
	}
	if len(docs) == 0 {
		return &Draft{Attempts: attempts, Cause: err}, eris.Wrap(err, "synth: generate")
	}

	zap.L().Warn("synth: providers unavailable, returning extractive answer",
		zap.String("trace_id", q.TraceID),
		zap.Bool("budget", errors.Is(err, resilience.ErrBudgetExceeded)),
		zap.Error(err),
	)
	return &Draft{
		Text:       Extractive(docs, s.cfg.ExtractiveSentences),
		Extractive: true,
		Cause:      err,
		Attempts:   attempts,
		Documents:  docs,
	}, nil
}

// Extractive builds an answer from the leading sentence of the top n
// documents, each cited by its evidence number.
func Extractive(docs []model.Document, n int) string {
	var parts []string
	for i, d := range docs {
		if len(parts) >= n {
			break
		}
		sent := firstSentence(d.Content)
		if sent == "" {
			continue
		}
		end := sent[len(sent)-1]
		if end == '.' || end == '!' || end == '?' {
			parts = append(parts, fmt.Sprintf("%s [%d]%c", sent[:len(sent)-1], i+1, end))
		} else {
			parts = append(parts, fmt.Sprintf("%s [%d].", sent, i+1))
		}
	}
	return strings.Join(parts, " ")
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || s[i+1] == ' ' {
				return s[:i+1]
			}
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
