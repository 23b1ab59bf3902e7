package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkamali/deepscout/internal/config"
	"github.com/mkamali/deepscout/internal/enrich"
	"github.com/mkamali/deepscout/internal/provider"
	"github.com/mkamali/deepscout/internal/research"
	"github.com/mkamali/deepscout/internal/telemetry"
)

// researchCMD runs one research query from the terminal and prints the raw
// event frames to stdout, useful for debugging the pipeline without a UI.
func researchCMD() *cobra.Command {
	var cfgPath string
	var deep bool
	var depth, breadth int
	var modelKey string

	var cmd = &cobra.Command{
		Use:   "research [query]",
		Short: "Run a single research query and stream frames to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			tele := telemetry.NewTelemetry(cfg.Telemetry)
			registry, err := provider.NewRegistry(cfg.LLM, tele, log.New(os.Stderr, "[LLM] ", log.LstdFlags))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cache := research.NewCache(ctx, cfg.Cache)
			searcher := research.NewSearchClient(cfg.Search, cfg.Research.FaviconEndpoint, cache, cfg.Cache.TTL, tele,
				log.New(os.Stderr, "[SEARCH] ", log.LstdFlags))
			fetcher := enrich.NewFetcher(cfg.Research.EnrichTimeout)
			orch := research.NewOrchestrator(cfg.Research, cfg.LLM.Routing, registry, searcher, fetcher, tele,
				log.New(os.Stderr, "[ORCH] ", log.LstdFlags))

			req := research.Request{
				Query: strings.Join(args, " "),
				Options: research.Options{
					Deep:     deep,
					Depth:    depth,
					Breadth:  breadth,
					ModelKey: modelKey,
				},
			}

			enc := research.NewEncoder(os.Stdout)
			for ev := range orch.Run(ctx, req) {
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("writing frame: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "run recursive deep research")
	cmd.Flags().IntVar(&depth, "depth", 2, "deep research depth (1-5)")
	cmd.Flags().IntVar(&breadth, "breadth", 3, "queries per node (2-5)")
	cmd.Flags().StringVar(&modelKey, "model", "", "model key override")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")

	return cmd
}
