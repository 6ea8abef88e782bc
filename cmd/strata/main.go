package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datastrata/strata/internal/pipeline"
	"github.com/datastrata/strata/pkg/backend/mongo"
	"github.com/datastrata/strata/pkg/backend/postgres"
	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/logger"
	"github.com/datastrata/strata/pkg/metadata"
	"github.com/datastrata/strata/pkg/metrics"
	"github.com/datastrata/strata/pkg/router"
	"github.com/datastrata/strata/pkg/source"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "strata",
		Short: "Strata - adaptive dual-store ingestion",
		Long: `Strata ingests messy JSON streams and adaptively routes each field to a
relational or document store based on its observed shape. Placement
decisions, field statistics and the evolved schema survive restarts.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Strata v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(ingestCmd())
	root.AddCommand(decisionsCmd())
	root.AddCommand(statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.NewDefaultConfig("strata")
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	})
}

func ingestCmd() *cobra.Command {
	var (
		configPath string
		records    int64
		sourceURL  string
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest records from the stream API or the seeded generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			log := logger.Get()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var metricsSrv *metrics.Server
			if cfg.Observability.MetricsAddr != "" {
				metricsSrv = metrics.NewServer(cfg.Observability.MetricsAddr, log)
				metricsSrv.Start()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = metricsSrv.Stop(shutdownCtx)
				}()
			}

			store, err := metadata.Open(ctx, cfg.Metadata.Path, log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sqlStore, err := postgres.New(ctx, cfg.Backends.Postgres, log)
			if err != nil {
				return err
			}
			defer sqlStore.Close()

			docStore, err := mongo.New(ctx, cfg.Backends.Mongo, log)
			if err != nil {
				return err
			}
			defer func() { _ = docStore.Close(context.Background()) }()

			deadLetter, err := router.OpenDeadLetterLog(cfg.Reliability.DeadLetterPath, log)
			if err != nil {
				return err
			}
			defer func() { _ = deadLetter.Close() }()

			p, err := pipeline.New(ctx, cfg, pipeline.Options{
				Store:      store,
				SQLStore:   sqlStore,
				DocStore:   docStore,
				DeadLetter: deadLetter,
			}, log)
			if err != nil {
				return err
			}

			var feed pipeline.Feed
			if sourceURL == "" {
				feed = &pipeline.GeneratorFeed{Gen: source.NewGenerator(seed)}
				log.Info("using seeded generator", zap.Int64("seed", seed))
			} else {
				client := source.NewStreamClient(sourceURL, log)
				if err := client.Ping(ctx); err != nil {
					return err
				}
				feed = client
			}

			result, err := p.Run(ctx, feed, records)
			if err != nil {
				return err
			}

			fmt.Printf("Processed:     %d\n", result.Processed)
			fmt.Printf("Malformed:     %d\n", result.Malformed)
			fmt.Printf("Dead-lettered: %d\n", result.DeadLettered)
			fmt.Printf("Total (all runs): %d\n", result.TotalRecords)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().Int64VarP(&records, "records", "n", 1000, "Number of records to ingest")
	cmd.Flags().StringVar(&sourceURL, "source", "", "Stream API base URL (empty for the local generator)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Generator seed when no source URL is given")
	return cmd
}

func decisionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show current placement decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, cleanup, err := openState(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			names := make([]string, 0, len(state.Decisions))
			for name := range state.Decisions {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("%-20s %-7s %-8s %5s %7s %s\n",
				"FIELD", "BACKEND", "VERSION", "CONF", "REVIEW", "REASON")
			for _, name := range names {
				d := state.Decisions[name]
				review := ""
				if d.NeedsReview {
					review = "yes"
				}
				fmt.Printf("%-20s %-7s %-8d %5.2f %7s %s\n",
					d.FieldName, d.Backend, d.DecisionVersion, d.Confidence, review, d.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func statsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show field statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, cleanup, err := openState(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			names := make([]string, 0, len(state.Fields))
			for name := range state.Fields {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("Total records: %d\n\n", state.Global.TotalRecords)
			fmt.Printf("%-20s %8s %6s %-16s %6s %5s %s\n",
				"FIELD", "SEEN", "FREQ", "DOMINANT", "RATIO", "DEPTH", "DRIFT")
			for _, name := range names {
				fs := state.Fields[name]
				tag, ratio := fs.DominantType()
				drift := ""
				if fs.Drift() {
					drift = "yes"
				}
				fmt.Printf("%-20s %8d %5.1f%% %-16s %5.1f%% %5d %s\n",
					fs.Name, fs.TotalSeen,
					fs.Frequency(state.Global.TotalRecords)*100,
					tag, ratio*100, fs.NestingComplexity(), drift)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// openState opens the metadata store read path for reporting commands.
func openState(configPath string) (*metadata.State, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := initLogger(cfg); err != nil {
		return nil, nil, err
	}
	log := logger.Get()

	ctx := context.Background()
	store, err := metadata.Open(ctx, cfg.Metadata.Path, log)
	if err != nil {
		return nil, nil, err
	}
	state, err := store.Load(ctx)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return state, func() { _ = store.Close() }, nil
}
