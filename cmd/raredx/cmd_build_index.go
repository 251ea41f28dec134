package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/embeddings"
	"github.com/raredx/orchestrator/internal/normalizer"
	"github.com/raredx/orchestrator/internal/vectordb"
	"github.com/raredx/orchestrator/internal/wiring"
)

var buildIndexFlags struct {
	catalogue   string
	output      string
	qdrant      bool
	concurrency int
}

var buildIndexCmd = &cobra.Command{
	Use:   "build-index",
	Short: "Embed the disease catalogue used to normalize candidate names",
	Long: `Embed every label of a {"OMIM:id": "label"} catalogue in batches and write
the local index file. With --qdrant the vectors are also upserted into the
configured collection.

Failed batches are logged and skipped; rerun the command to fill them in.`,
	Args: cobra.NoArgs,
	RunE: runBuildIndex,
}

func init() {
	f := buildIndexCmd.Flags()
	f.StringVar(&buildIndexFlags.catalogue, "catalogue", "", "Catalogue JSON (default: normalizer.omim_path)")
	f.StringVarP(&buildIndexFlags.output, "output", "o", "", "Index file to write (default: normalizer.index_path)")
	f.BoolVar(&buildIndexFlags.qdrant, "qdrant", false, "Also upsert vectors into the Qdrant collection")
	f.IntVar(&buildIndexFlags.concurrency, "concurrency", 1, "Batches embedded in parallel")
}

func runBuildIndex(cmd *cobra.Command, _ []string) error {
	cfg, logger, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	catPath := firstNonEmpty(buildIndexFlags.catalogue, cfg.Normalizer.OMIMPath)
	outPath := firstNonEmpty(buildIndexFlags.output, cfg.Normalizer.IndexPath)
	catalogue, err := normalizer.LoadCatalogue(catPath)
	if err != nil {
		return err
	}

	breaker := wiring.BreakerConfig(cfg.CircuitBreaker)
	emb, err := embeddings.NewService(wiring.EmbeddingsConfig(cfg), nil, breaker, logger)
	if err != nil {
		return err
	}
	var sink normalizer.Upserter
	if buildIndexFlags.qdrant || cfg.Normalizer.Backend == "qdrant" {
		sink = vectordb.NewClient(wiring.VectorConfig(cfg), breaker, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := normalizer.NewBuilder(normalizer.BuilderConfig{
		BatchSize:    cfg.Embeddings.BatchSize,
		BatchDelay:   cfg.Embeddings.BatchDelay,
		FailureDelay: cfg.Embeddings.FailureDelay,
		Concurrency:  buildIndexFlags.concurrency,
	}, emb, emb.Model(), sink, logger)

	logger.Info("Building disease index",
		zap.String("catalogue", catPath),
		zap.Int("labels", len(catalogue)),
		zap.String("model", emb.Model()),
		zap.Bool("qdrant", sink != nil))
	idx, stats, err := builder.Build(ctx, catalogue)
	if err != nil {
		return err
	}
	if err := idx.Save(outPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d labels into %s (%d failed batches)\n",
		stats.Indexed, stats.Total, outPath, stats.FailedBatches)
	return nil
}
