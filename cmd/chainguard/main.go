package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chainguard/internal/api"
	"chainguard/internal/config"
	"chainguard/internal/engine"
	"chainguard/internal/events"
	"chainguard/internal/ingest"
	"chainguard/internal/logging"
	"chainguard/internal/metrics"
	"chainguard/internal/storage"
)

var version = "dev"

var (
	flagConfig string
	flagReload time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chainguard",
	Short:         "Smart contract threat intelligence engine",
	Long:          "Collects contract analyses and community threat reports, scores contract reputation and dispatches security alerts.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "chainguard.yaml", "Path to config file (yaml or json)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with ingest, maintenance and the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	serveCmd.Flags().DurationVar(&flagReload, "reload-interval", 3*time.Second, "Config file poll interval")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(flagConfig))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	mgr, err := config.NewManager(config.ResolvePath(flagConfig))
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting chainguard", "version", version, "config", mgr.Path())

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return err
		}
		logger.Info("journal enabled", "driver", cfg.Storage.Driver)
	}

	publisher := buildPublisher(cfg, logger)
	defer publisher.Close()

	rec := metrics.New()
	eng, err := engine.New(cfg, engine.Options{
		Logger:    logger,
		Publisher: publisher,
		Store:     store,
		Metrics:   rec,
	})
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		return err
	}

	handler := ingest.NewHandler(eng, func() time.Duration { return mgr.Get().Ingest.DedupeWindow }, nil, rec, logger)
	if err := ingest.StartKafka(ctx, mgr, handler, logging.Component(logger, "ingest")); err != nil {
		return err
	}
	if _, err := ingest.StartREST(ctx, mgr, handler, logging.Component(logger, "ingest")); err != nil {
		return err
	}
	api.Start(ctx, mgr, rec, eng, logging.Component(logger, "api"), version)
	go eng.RunMaintenance(ctx)

	stopWatch := make(chan struct{})
	go mgr.Watch(flagReload, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded")
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	close(stopWatch)
	logger.Info("shutting down")
	return nil
}

func buildPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	var pubs events.Multi
	if cfg.Events.Log {
		pubs = append(pubs, events.LogPublisher{Logger: logging.Component(logger, "events")})
	}
	if cfg.Events.Kafka.Enabled {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.Events.Kafka, logging.Component(logger, "events")))
	}
	return pubs
}
