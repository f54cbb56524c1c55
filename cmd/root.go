package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ksearch",
	Short: "Multi-source knowledge search with cited answers",
	Long:  "Classifies questions, retrieves evidence from vector, keyword, graph and web lanes in parallel, fuses it, synthesizes an answer through a resilient provider router and aligns every claim to its sources.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
