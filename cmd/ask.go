package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/router"
)

var (
	askStream        bool
	askJSON          bool
	askContext       string
	askMaxTokens     int
	askProvidersFile string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question and print the cited result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if askProvidersFile != "" {
			providers, err := loadProvidersFile(askProvidersFile)
			if err != nil {
				return err
			}
			cfg.Providers = providers
		}

		env, err := initQueryEnv(ctx, "ask")
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.Request{
			Text:      strings.Join(args, " "),
			Context:   askContext,
			MaxTokens: askMaxTokens,
		}
		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

		if askStream {
			p := &eventPrinter{out: out, errOut: errOut, json: askJSON}
			_, err := env.Controller.Stream(ctx, req, p.emit)
			return err
		}

		res, err := env.Controller.Run(ctx, req)
		if err != nil {
			return err
		}
		if askJSON {
			return writeJSONResult(out, res)
		}
		printResult(out, res, true)
		return nil
	},
}

// providersFile is the shape of a --providers-file document.
type providersFile struct {
	Providers []router.ProviderConfig `yaml:"providers"`
}

// loadProvidersFile reads a YAML provider list that replaces the
// configured providers.
func loadProvidersFile(path string) ([]router.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read providers file %s", path)
	}
	var pf providersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "parse providers file %s", path)
	}
	if len(pf.Providers) == 0 {
		return nil, eris.Errorf("providers file %s lists no providers", path)
	}
	return pf.Providers, nil
}

func writeJSONResult(w io.Writer, res *model.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// printResult renders a result for a terminal. The answer is omitted when
// it was already streamed.
func printResult(w io.Writer, res *model.Result, withAnswer bool) {
	if withAnswer {
		fmt.Fprintln(w, res.Answer)
	}
	if len(res.Bibliography) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for _, b := range res.Bibliography {
			label := b.Title
			if label == "" {
				label = b.DocumentID
			}
			if b.URL != "" {
				fmt.Fprintf(w, "  [%d] %s (%s) %s\n", b.Index, label, b.Source, b.URL)
			} else {
				fmt.Fprintf(w, "  [%d] %s (%s)\n", b.Index, label, b.Source)
			}
		}
	}
	unsupported := 0
	for _, c := range res.Claims {
		if c.Unsupported {
			unsupported++
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "state: %s  confidence: %.2f  claims: %d (%d unsupported)  disagreements: %d\n",
		res.State, res.Confidence, len(res.Claims), unsupported, len(res.Disagreements))
	if res.Provider != "" {
		fmt.Fprintf(w, "provider: %s (%s)  cost: $%.4f  duration: %s  cached: %t\n",
			res.Provider, res.Model, res.CostUSD, res.Duration.Round(time.Millisecond), res.Cached)
	}
	for _, r := range res.DegradedReasons {
		fmt.Fprintf(w, "degraded: %s\n", r)
	}
	fmt.Fprintf(w, "trace: %s\n", res.TraceID)
}

// eventPrinter writes stream events. Deltas go to out as they arrive and
// progress goes to errOut; in JSON mode every event is one line on out.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	json   bool
	// streamed is set once any delta has been written.
	streamed bool
}

func (p *eventPrinter) emit(ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}

	switch ev.Type {
	case model.EventStatus:
		fmt.Fprintf(p.errOut, "[%s]\n", strings.ToLower(string(ev.State)))
	case model.EventDelta:
		p.streamed = true
		fmt.Fprint(p.out, ev.Delta)
	case model.EventRetry:
		p.streamed = false
		fmt.Fprintf(p.errOut, "\n[retry] %s\n", ev.Message)
	case model.EventError:
		fmt.Fprintf(p.errOut, "[error] %s (trace %s)\n", ev.Message, ev.TraceID)
	case model.EventResult:
		if ev.Result == nil {
			return
		}
		// Extractive and cached answers arrive without deltas.
		if p.streamed {
			fmt.Fprintln(p.out)
		}
		printResult(p.out, ev.Result, !p.streamed)
	}
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", false, "stream the answer as it is generated")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print JSON instead of text")
	askCmd.Flags().StringVar(&askContext, "context", "", "additional context passed with the question")
	askCmd.Flags().IntVar(&askMaxTokens, "max-tokens", 0, "maximum answer tokens (default from config)")
	askCmd.Flags().StringVar(&askProvidersFile, "providers-file", "", "YAML file whose providers replace the configured list")
	rootCmd.AddCommand(askCmd)
}
